package wechat

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// Hard budgets for inbound XML. The payload crosses a trust boundary, so
// decoding stops as soon as any budget is exceeded instead of trusting the
// parser's defaults.
const (
	maxXMLBytes      = 64 << 10
	maxXMLDepth      = 4
	maxXMLFields     = 32
	maxXMLFieldBytes = 8 << 10
)

// inboundMessage is the decoded subset of a WeChat push message.
type inboundMessage struct {
	ToUserName   string
	FromUserName string
	CreateTime   int64
	MsgType      string
	Content      string
	MsgID        string
	Event        string
}

// decodeError distinguishes budget violations from plain malformed input so
// the webhook can answer 400 versus 413.
type decodeError struct {
	budget bool
	msg    string
}

func (e *decodeError) Error() string { return e.msg }

func budgetErr(format string, args ...any) *decodeError {
	return &decodeError{budget: true, msg: fmt.Sprintf(format, args...)}
}

// decodeInbound parses the XML under the budgets above. Only flat
// <xml><Field>value</Field>...</xml> documents are accepted.
func decodeInbound(data []byte) (inboundMessage, error) {
	var msg inboundMessage
	if len(data) > maxXMLBytes {
		return msg, budgetErr("payload exceeds %d bytes", maxXMLBytes)
	}
	decoder := xml.NewDecoder(bytes.NewReader(data))
	decoder.Strict = true

	depth := 0
	fields := 0
	var field string
	var value strings.Builder
	for {
		token, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return msg, &decodeError{msg: "malformed xml: " + err.Error()}
		}
		switch t := token.(type) {
		case xml.StartElement:
			depth++
			if depth > maxXMLDepth {
				return msg, budgetErr("xml depth exceeds %d", maxXMLDepth)
			}
			if depth == 2 {
				fields++
				if fields > maxXMLFields {
					return msg, budgetErr("xml field count exceeds %d", maxXMLFields)
				}
				field = t.Name.Local
				value.Reset()
			}
		case xml.CharData:
			if depth >= 2 {
				if value.Len()+len(t) > maxXMLFieldBytes {
					return msg, budgetErr("xml field %s exceeds %d bytes", field, maxXMLFieldBytes)
				}
				value.Write(t)
			}
		case xml.EndElement:
			if depth == 2 {
				msg.set(field, strings.TrimSpace(value.String()))
			}
			depth--
		}
	}
	if msg.MsgType == "" {
		return msg, &decodeError{msg: "missing MsgType"}
	}
	return msg, nil
}

func (m *inboundMessage) set(field, value string) {
	switch field {
	case "ToUserName":
		m.ToUserName = value
	case "FromUserName":
		m.FromUserName = value
	case "CreateTime":
		var ts int64
		_, _ = fmt.Sscanf(value, "%d", &ts)
		m.CreateTime = ts
	case "MsgType":
		m.MsgType = value
	case "Content":
		m.Content = value
	case "MsgId":
		m.MsgID = value
	case "Event":
		m.Event = value
	}
}

// passiveReply renders the synchronous XML text reply.
func passiveReply(to, from string, createTime int64, content string) string {
	var b strings.Builder
	b.WriteString("<xml>")
	writeCDATA(&b, "ToUserName", to)
	writeCDATA(&b, "FromUserName", from)
	fmt.Fprintf(&b, "<CreateTime>%d</CreateTime>", createTime)
	writeCDATA(&b, "MsgType", "text")
	writeCDATA(&b, "Content", content)
	b.WriteString("</xml>")
	return b.String()
}

func writeCDATA(b *strings.Builder, tag, value string) {
	// CDATA cannot contain its own terminator.
	value = strings.ReplaceAll(value, "]]>", "]]]]><![CDATA[>")
	fmt.Fprintf(b, "<%s><![CDATA[%s]]></%s>", tag, value, tag)
}
