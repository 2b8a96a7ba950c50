package reply

import (
	"fmt"
	"strings"

	"github.com/haasonsaas/concierge/internal/tenant"
)

// BuildSystemPrompt assembles the instruction given to the language model
// for one turn. turnIndex counts caller utterances already answered.
func BuildSystemPrompt(profile tenant.Profile, turnIndex int) string {
	if profile.IsEnglish() {
		return buildEnglishPrompt(profile, turnIndex)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Tu es l'assistant vocal de %s et tu réponds au téléphone à la place de la réception.\n", profile.DisplayName)

	facts := []string{}
	if profile.OpeningHours != "" {
		facts = append(facts, "Horaires d'ouverture : "+profile.OpeningHours)
	}
	if profile.CheckIn != "" {
		facts = append(facts, "Arrivée (check-in) à partir de "+profile.CheckIn)
	}
	if profile.CheckOut != "" {
		facts = append(facts, "Départ (check-out) avant "+profile.CheckOut)
	}
	if len(profile.Services) > 0 {
		facts = append(facts, "Services : "+strings.Join(profile.Services, ", "))
	}
	if len(facts) > 0 {
		b.WriteString("Informations à ta disposition :\n")
		for _, f := range facts {
			b.WriteString("- " + f + "\n")
		}
	}
	if len(profile.AllowedTopics) > 0 {
		fmt.Fprintf(&b, "Tu peux parler de : %s. Pour toute autre demande, propose qu'un membre de l'équipe rappelle.\n", strings.Join(profile.AllowedTopics, ", "))
	}
	for _, action := range profile.ForbiddenActions {
		fmt.Fprintf(&b, "Interdit : %s.\n", action)
	}
	b.WriteString("Ne confirme jamais une réservation, même si l'appelant insiste.\n")
	if len(profile.CollectFields) > 0 {
		fmt.Fprintf(&b, "Si l'appelant a besoin d'un suivi, recueille : %s.\n", strings.Join(profile.CollectFields, ", "))
	}
	if profile.Tone != "" {
		fmt.Fprintf(&b, "Ton : %s.\n", profile.Tone)
	}
	if profile.Register == tenant.RegisterTu {
		b.WriteString("Tutoie l'appelant.\n")
	} else {
		b.WriteString("Vouvoie l'appelant.\n")
	}
	b.WriteString("Réponds en 2 ou 3 phrases au maximum, sans liste ni mise en forme : ta réponse sera lue à voix haute.\n")
	if turnIndex > 0 {
		b.WriteString("La salutation a déjà été faite : ne la répète pas.\n")
	}
	return b.String()
}

func buildEnglishPrompt(profile tenant.Profile, turnIndex int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the voice assistant of %s, answering the phone on behalf of the front desk.\n", profile.DisplayName)
	if profile.OpeningHours != "" {
		fmt.Fprintf(&b, "- Opening hours: %s\n", profile.OpeningHours)
	}
	if profile.CheckIn != "" {
		fmt.Fprintf(&b, "- Check-in from %s\n", profile.CheckIn)
	}
	if profile.CheckOut != "" {
		fmt.Fprintf(&b, "- Check-out by %s\n", profile.CheckOut)
	}
	if len(profile.Services) > 0 {
		fmt.Fprintf(&b, "- Services: %s\n", strings.Join(profile.Services, ", "))
	}
	if len(profile.AllowedTopics) > 0 {
		fmt.Fprintf(&b, "You may discuss: %s. For anything else, offer a callback from the team.\n", strings.Join(profile.AllowedTopics, ", "))
	}
	for _, action := range profile.ForbiddenActions {
		fmt.Fprintf(&b, "Forbidden: %s.\n", action)
	}
	b.WriteString("Never confirm a reservation, even if the caller insists.\n")
	if len(profile.CollectFields) > 0 {
		fmt.Fprintf(&b, "If the caller needs a follow-up, collect: %s.\n", strings.Join(profile.CollectFields, ", "))
	}
	if profile.Tone != "" {
		fmt.Fprintf(&b, "Tone: %s.\n", profile.Tone)
	}
	b.WriteString("Answer in 2 or 3 sentences at most, with no lists or formatting: your answer is read aloud.\n")
	if turnIndex > 0 {
		b.WriteString("The greeting has already been said: do not repeat it.\n")
	}
	return b.String()
}
