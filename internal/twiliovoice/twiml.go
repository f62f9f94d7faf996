// Package twiliovoice adapts Twilio to VoiceForm: TwiML rendering for phone
// dialogue turns, webhook signature checks and outbound messaging.
package twiliovoice

import (
	"fmt"

	"github.com/twilio/twilio-go/twiml"
)

// DefaultLanguage is the speech recognition language for <Gather>.
const DefaultLanguage = "en-US"

// Turn renders the TwiML for one phone turn. When listening, the utterances are
// spoken inside a speech <Gather> posting to gatherURL; a caller who stays silent
// falls through to a <Redirect> to the same URL. Otherwise the call ends after
// the utterances.
func Turn(said []string, gatherURL, language string, listening bool) (string, error) {
	says := make([]twiml.Element, 0, len(said))
	for _, text := range said {
		if text != "" {
			says = append(says, &twiml.VoiceSay{Message: text})
		}
	}

	var verbs []twiml.Element
	if listening {
		if language == "" {
			language = DefaultLanguage
		}
		verbs = []twiml.Element{
			&twiml.VoiceGather{
				Input:         "speech",
				Action:        gatherURL,
				Method:        "POST",
				SpeechTimeout: "auto",
				Language:      language,
				InnerElements: says,
			},
			&twiml.VoiceRedirect{Url: gatherURL, Method: "POST"},
		}
	} else {
		verbs = append(says, &twiml.VoiceHangup{})
	}

	out, err := twiml.Voice(verbs)
	if err != nil {
		return "", fmt.Errorf("render twiml: %w", err)
	}
	return out, nil
}

// Hangup renders TwiML that speaks message, if any, and ends the call.
func Hangup(message string) (string, error) {
	return Turn([]string{message}, "", "", false)
}
