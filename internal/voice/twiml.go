package voice

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/haasonsaas/concierge/internal/call"
)

const (
	xmlHeader = `<?xml version="1.0" encoding="UTF-8"?>`

	// maxRecordSeconds bounds a recorded answer.
	maxRecordSeconds = 60

	apologyVoice    = "Polly.Celine"
	apologyLanguage = "fr-FR"
	apologyText     = "Je suis désolé, un problème technique est survenu. Merci de rappeler dans quelques instants."
)

// RenderTwiML renders a turn reply as a TwiML document. A reply that ends
// the call speaks and hangs up; any other reply opens a listen window
// posting to actionURL and falls through to a silence redirect when the
// window closes without input.
func RenderTwiML(r call.Reply, actionURL string, mode CaptureMode) string {
	var b strings.Builder
	b.WriteString(xmlHeader)
	b.WriteString("<Response>")

	writeSpeech(&b, r)

	if r.ShouldTerminate {
		if r.ClosingMessage != "" && r.ClosingMessage != r.Speech.Text {
			writeSay(&b, r.Speech.SayVoice, r.Speech.SayLanguage, r.ClosingMessage)
		}
		b.WriteString("<Hangup/>")
		b.WriteString("</Response>")
		return b.String()
	}

	timeout := strconv.Itoa(r.ListenTimeoutSeconds)
	action := escapeXML(actionURL)
	switch mode {
	case CaptureRecord:
		b.WriteString(`<Record timeout="` + timeout + `" maxLength="` + strconv.Itoa(maxRecordSeconds) +
			`" playBeep="false" trim="trim-silence" action="` + action + `" method="POST"/>`)
	default:
		lang := r.Language
		if lang == "" {
			lang = r.Speech.SayLanguage
		}
		b.WriteString(`<Gather input="speech" timeout="` + timeout + `" speechTimeout="auto" language="` +
			escapeXML(lang) + `" action="` + action + `" method="POST"/>`)
	}
	b.WriteString(`<Redirect method="POST">` + escapeXML(silenceURL(actionURL)) + `</Redirect>`)
	b.WriteString("</Response>")
	return b.String()
}

// ApologyTwiML is answered when a webhook cannot be handled at all.
func ApologyTwiML() string {
	var b strings.Builder
	b.WriteString(xmlHeader)
	b.WriteString("<Response>")
	writeSay(&b, apologyVoice, apologyLanguage, apologyText)
	b.WriteString("<Hangup/>")
	b.WriteString("</Response>")
	return b.String()
}

// EmptyTwiML acknowledges a callback that needs no instructions.
func EmptyTwiML() string {
	return xmlHeader + "<Response></Response>"
}

func writeSpeech(b *strings.Builder, r call.Reply) {
	if r.AudioURL != "" {
		b.WriteString("<Play>" + escapeXML(r.AudioURL) + "</Play>")
		return
	}
	if strings.TrimSpace(r.Speech.Text) != "" {
		writeSay(b, r.Speech.SayVoice, r.Speech.SayLanguage, r.Speech.Text)
	}
}

func writeSay(b *strings.Builder, voice, language, text string) {
	b.WriteString("<Say")
	if voice != "" {
		b.WriteString(` voice="` + escapeXML(voice) + `"`)
	}
	if language != "" {
		b.WriteString(` language="` + escapeXML(language) + `"`)
	}
	b.WriteString(">" + escapeXML(text) + "</Say>")
}

// silenceURL marks the action URL so the turn handler treats the request
// as an elapsed listen window.
func silenceURL(actionURL string) string {
	u, err := url.Parse(actionURL)
	if err != nil {
		return actionURL
	}
	q := u.Query()
	q.Set("silence", "1")
	u.RawQuery = q.Encode()
	return u.String()
}
