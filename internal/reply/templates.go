package reply

import (
	"fmt"

	"github.com/haasonsaas/concierge/internal/tenant"
	"github.com/haasonsaas/concierge/internal/textnorm"
)

// intent matches a question about one profile fact. A direct phrase is
// enough on its own; a topic word only counts next to a time question.
type intent struct {
	direct *textnorm.Matcher
	topic  *textnorm.Matcher
}

func (i intent) matches(utterance string, asksTime bool) bool {
	return i.direct.Contains(utterance) || (asksTime && i.topic.Contains(utterance))
}

// Templates answers the few questions whose answer is a profile fact,
// without a model round trip.
type Templates struct {
	asksTime  *textnorm.Matcher
	amenities *textnorm.Matcher
	hours     intent
	checkIn   intent
	checkOut  intent
}

// NewTemplates builds the intent matchers.
func NewTemplates() *Templates {
	return &Templates{
		asksTime: textnorm.NewMatcher(
			"à quelle heure", "quelle heure", "jusqu'à quand", "quand", "à partir de quand",
			"what time", "when", "until when", "how late", "how early",
		),
		amenities: textnorm.NewMatcher(
			"piscine", "restaurant", "bar", "spa", "salle de sport", "petit déjeuner", "petit-déjeuner", "parking", "navette",
			"pool", "gym", "breakfast", "shuttle",
		),
		hours: intent{
			direct: textnorm.NewMatcher(
				"vos horaires", "vos heures d'ouverture", "horaires d'ouverture", "heures d'ouverture",
				"your opening hours", "opening hours", "your hours", "business hours",
			),
			topic: textnorm.NewMatcher("ouvrez", "fermez", "ouvrez-vous", "fermez-vous", "you open", "you close"),
		},
		checkIn: intent{
			direct: textnorm.NewMatcher("heure d'arrivée", "heure du check-in", "heure de check-in", "check-in time", "check in time"),
			topic:  textnorm.NewMatcher("check-in", "checkin", "arriver à l'hôtel", "prendre la chambre", "check in"),
		},
		checkOut: intent{
			direct: textnorm.NewMatcher("heure de départ", "heure du check-out", "heure de check-out", "check-out time", "check out time"),
			topic:  textnorm.NewMatcher("check-out", "checkout", "libérer la chambre", "quitter la chambre", "check out"),
		},
	}
}

// Answer returns a templated reply when utterance clearly asks for a fact
// the profile holds. Check-in and check-out win over hours because "à
// quelle heure" questions about arrival mention both.
func (t *Templates) Answer(utterance string, profile tenant.Profile) (string, bool) {
	en := profile.IsEnglish()
	more := "Puis-je vous aider pour autre chose ?"
	if profile.Register == tenant.RegisterTu {
		more = "Puis-je t'aider pour autre chose ?"
	}
	asksTime := t.asksTime.Contains(utterance)
	switch {
	case profile.CheckIn != "" && t.checkIn.matches(utterance, asksTime):
		if en {
			return fmt.Sprintf("Check-in is from %s. Is there anything else I can help you with?", profile.CheckIn), true
		}
		return fmt.Sprintf("L'arrivée se fait à partir de %s. %s", profile.CheckIn, more), true
	case profile.CheckOut != "" && t.checkOut.matches(utterance, asksTime):
		if en {
			return fmt.Sprintf("Check-out is by %s. Is there anything else I can help you with?", profile.CheckOut), true
		}
		return fmt.Sprintf("Le départ se fait avant %s. %s", profile.CheckOut, more), true
	case profile.OpeningHours != "" && t.hours.matches(utterance, asksTime) && !t.aboutAmenity(utterance, profile):
		if en {
			return fmt.Sprintf("%s is open %s. Is there anything else I can help you with?", profile.DisplayName, profile.OpeningHours), true
		}
		return fmt.Sprintf("%s est ouvert %s. %s", profile.DisplayName, profile.OpeningHours, more), true
	}
	return "", false
}

// aboutAmenity vetoes the hours template: the pool or the restaurant keep
// their own hours, which the profile does not hold.
func (t *Templates) aboutAmenity(utterance string, profile tenant.Profile) bool {
	if t.amenities.Contains(utterance) {
		return true
	}
	return len(profile.Services) > 0 && textnorm.NewMatcher(profile.Services...).Contains(utterance)
}
