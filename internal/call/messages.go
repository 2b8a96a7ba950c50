package call

import "github.com/haasonsaas/concierge/internal/tenant"

type line int

const (
	lineFetchUnavailable line = iota
	lineNotUnderstood
	lineSilence
	lineApology
)

var frenchLines = map[line][2]string{
	lineFetchUnavailable: {
		"Je n'ai pas pu récupérer votre message. Pouvez-vous répéter, s'il vous plaît ?",
		"Je n'ai pas pu récupérer ton message. Peux-tu répéter, s'il te plaît ?",
	},
	lineNotUnderstood: {
		"Je n'ai pas bien compris. Pouvez-vous répéter, s'il vous plaît ?",
		"Je n'ai pas bien compris. Peux-tu répéter, s'il te plaît ?",
	},
	lineSilence: {
		"Je ne vous entends pas. Êtes-vous toujours en ligne ?",
		"Je ne t'entends pas. Es-tu toujours en ligne ?",
	},
	lineApology: {
		"Je suis désolé, un problème technique est survenu. Pouvez-vous reformuler votre demande ?",
		"Je suis désolé, un problème technique est survenu. Peux-tu reformuler ta demande ?",
	},
}

var englishLines = map[line]string{
	lineFetchUnavailable: "I couldn't retrieve your message. Could you please repeat?",
	lineNotUnderstood:    "I didn't quite catch that. Could you please repeat?",
	lineSilence:          "I can't hear you. Are you still there?",
	lineApology:          "I'm sorry, a technical problem occurred. Could you rephrase your request?",
}

// fixedLine returns one of the scripted sentences in the tenant's
// language and register.
func fixedLine(l line, profile tenant.Profile) string {
	if profile.IsEnglish() {
		return englishLines[l]
	}
	variants := frenchLines[l]
	if profile.Register == tenant.RegisterTu {
		return variants[1]
	}
	return variants[0]
}
