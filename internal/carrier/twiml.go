package carrier

import (
	"encoding/xml"
	"fmt"
)

// The carrier consumes scripted-response documents: small XML programs that
// direct its next action on a live call. The engine returns one of these on
// every scripted-response pull.

type Response struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []interface{}
}

type Say struct {
	XMLName xml.Name `xml:"Say"`
	Voice   string   `xml:"voice,attr,omitempty"`
	Text    string   `xml:",chardata"`
}

type Pause struct {
	XMLName xml.Name `xml:"Pause"`
	Length  int      `xml:"length,attr"`
}

type Redirect struct {
	XMLName xml.Name `xml:"Redirect"`
	Method  string   `xml:"method,attr,omitempty"`
	URL     string   `xml:",chardata"`
}

type Record struct {
	XMLName                 xml.Name `xml:"Record"`
	Action                  string   `xml:"action,attr,omitempty"`
	MaxLength               int      `xml:"maxLength,attr,omitempty"`
	Timeout                 int      `xml:"timeout,attr,omitempty"`
	PlayBeep                bool     `xml:"playBeep,attr"`
	RecordingStatusCallback string   `xml:"recordingStatusCallback,attr,omitempty"`
}

type Dial struct {
	XMLName xml.Name `xml:"Dial"`
	Action  string   `xml:"action,attr,omitempty"`
	Number  Number
}

type Number struct {
	XMLName             xml.Name `xml:"Number"`
	StatusCallback      string   `xml:"statusCallback,attr,omitempty"`
	StatusCallbackEvent string   `xml:"statusCallbackEvent,attr,omitempty"`
	Digits              string   `xml:",chardata"`
}

type Hangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

// Render serializes the document with the XML prolog the carrier expects.
func (r Response) Render() ([]byte, error) {
	body, err := xml.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal scripted response: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}

// HoldAndPoll keeps the callee engaged while analysis runs out-of-band, then
// sends the carrier back to the next-action endpoint. This is the poll half of
// the redirect-and-poll loop.
func HoldAndPoll(message string, pauseSeconds int, nextURL string) Response {
	verbs := []interface{}{}
	if message != "" {
		verbs = append(verbs, Say{Text: message})
	}
	if pauseSeconds > 0 {
		verbs = append(verbs, Pause{Length: pauseSeconds})
	}
	verbs = append(verbs, Redirect{Method: "POST", URL: nextURL})
	return Response{Verbs: verbs}
}

// RecordAndPoll records a short sample for the model-backed strategies, then
// rejoins the poll loop while the analysis pipeline works on the audio.
func RecordAndPoll(maxLengthSeconds int, recordingCallback, nextURL string) Response {
	return Response{Verbs: []interface{}{
		Record{
			Action:                  nextURL,
			MaxLength:               maxLengthSeconds,
			Timeout:                 3,
			RecordingStatusCallback: recordingCallback,
		},
		Redirect{Method: "POST", URL: nextURL},
	}}
}

// BridgeAgent dials the agent leg and bridges it to the callee. When the leg
// ends the carrier reports DialCallStatus to the action URL, which ends the
// scripted program; the nested number's status callback reports the agent
// leg's own lifecycle.
func BridgeAgent(agentNumber, action, statusCallback string) Response {
	return Response{Verbs: []interface{}{
		Dial{
			Action: action,
			Number: Number{
				StatusCallback:      statusCallback,
				StatusCallbackEvent: "completed",
				Digits:              agentNumber,
			},
		},
	}}
}

// VoicemailDrop speaks the prepared message into the machine and hangs up.
func VoicemailDrop(message string) Response {
	return Response{Verbs: []interface{}{
		Say{Text: message},
		Hangup{},
	}}
}

// ApologyHangup is the generic safe exit: a short apology, then hangup. Used
// when the engine cannot justify any other branch.
func ApologyHangup(message string) Response {
	return Response{Verbs: []interface{}{
		Say{Text: message},
		Hangup{},
	}}
}
