package carrier

import (
	"strings"
	"testing"
)

func mustRender(t *testing.T, r Response) string {
	t.Helper()
	doc, err := r.Render()
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	return string(doc)
}

func TestHoldAndPoll(t *testing.T) {
	doc := mustRender(t, HoldAndPoll("please hold", 2, "https://svc/webhooks/voice/next"))
	for _, want := range []string{
		`<?xml version="1.0" encoding="UTF-8"?>`,
		`<Say>please hold</Say>`,
		`<Pause length="2"></Pause>`,
		`<Redirect method="POST">https://svc/webhooks/voice/next</Redirect>`,
	} {
		if !strings.Contains(doc, want) {
			t.Fatalf("missing %q in %s", want, doc)
		}
	}
}

func TestHoldAndPoll_NoMessage(t *testing.T) {
	doc := mustRender(t, HoldAndPoll("", 2, "https://svc/next"))
	if strings.Contains(doc, "<Say") {
		t.Fatalf("empty message must omit Say: %s", doc)
	}
}

func TestRecordAndPoll(t *testing.T) {
	doc := mustRender(t, RecordAndPoll(5, "https://svc/recording", "https://svc/next"))
	if !strings.Contains(doc, `maxLength="5"`) {
		t.Fatalf("missing maxLength in %s", doc)
	}
	if !strings.Contains(doc, `recordingStatusCallback="https://svc/recording"`) {
		t.Fatalf("missing recording callback in %s", doc)
	}
	if !strings.Contains(doc, "<Redirect") {
		t.Fatalf("record must rejoin the poll loop: %s", doc)
	}
}

func TestBridgeAgent(t *testing.T) {
	doc := mustRender(t, BridgeAgent("+15550001111", "https://svc/next", "https://svc/status"))
	for _, want := range []string{
		`<Dial action="https://svc/next">`,
		`statusCallback="https://svc/status"`,
		`statusCallbackEvent="completed"`,
		`+15550001111`,
	} {
		if !strings.Contains(doc, want) {
			t.Fatalf("missing %q in %s", want, doc)
		}
	}
}

func TestVoicemailDropAndApology(t *testing.T) {
	doc := mustRender(t, VoicemailDrop("call us back"))
	if !strings.Contains(doc, "<Say>call us back</Say>") || !strings.Contains(doc, "<Hangup>") {
		t.Fatalf("unexpected voicemail document: %s", doc)
	}
	doc = mustRender(t, ApologyHangup("sorry"))
	if !strings.Contains(doc, "<Say>sorry</Say>") || !strings.Contains(doc, "<Hangup>") {
		t.Fatalf("unexpected apology document: %s", doc)
	}
}
