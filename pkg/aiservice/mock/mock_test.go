package mock_test

import (
	"testing"

	"github.com/kverne/voicebridge/pkg/aiservice"
	"github.com/kverne/voicebridge/pkg/aiservice/mock"
)

// drainResponse collects events until response.done or channel close.
func drainResponse(t *testing.T, events <-chan aiservice.Event) []aiservice.Event {
	t.Helper()
	var out []aiservice.Event
	for evt := range events {
		out = append(out, evt)
		if evt.Type == aiservice.TypeResponseDone {
			return out
		}
	}
	t.Fatal("events channel closed before response.done")
	return nil
}

func TestMockCannedAudioResponse(t *testing.T) {
	s := mock.New(mock.WithReplyText("Hi there."))
	defer s.Close()

	if err := s.CreateResponse(); err != nil {
		t.Fatalf("CreateResponse: %v", err)
	}
	events := drainResponse(t, s.Events())

	if events[0].Type != aiservice.TypeResponseCreated {
		t.Errorf("first event = %q", events[0].Type)
	}

	var audioBytes int
	var transcript string
	sawAudioDone := false
	for _, evt := range events {
		switch evt.Type {
		case aiservice.TypeAudioDelta:
			audioBytes += len(evt.Audio)
		case aiservice.TypeAudioDone:
			sawAudioDone = true
		case aiservice.TypeOutputTranscriptDelta:
			transcript += evt.Delta
		case aiservice.TypeOutputTranscriptDone:
			if evt.Transcript != "Hi there." {
				t.Errorf("final transcript = %q", evt.Transcript)
			}
		}
	}
	if audioBytes == 0 {
		t.Error("no audio delivered")
	}
	if audioBytes%2 != 0 {
		t.Errorf("audio byte count %d is not sample-aligned", audioBytes)
	}
	if !sawAudioDone {
		t.Error("audio done never emitted")
	}
	if transcript != "Hi there." {
		t.Errorf("assembled transcript = %q", transcript)
	}
}

func TestMockScriptedFunctionCall(t *testing.T) {
	s := mock.New()
	defer s.Close()

	s.ScriptFunctionCall("wrap_up", `{"organization_name":"Bank of Peril"}`)
	if err := s.CreateResponse(); err != nil {
		t.Fatalf("CreateResponse: %v", err)
	}
	events := drainResponse(t, s.Events())

	var added *aiservice.OutputItem
	var args string
	var doneArgs string
	for _, evt := range events {
		switch evt.Type {
		case aiservice.TypeOutputItemAdded:
			added = evt.Item
		case aiservice.TypeFunctionArgsDelta:
			args += evt.Delta
		case aiservice.TypeFunctionArgsDone:
			doneArgs = evt.Arguments
		case aiservice.TypeAudioDelta:
			t.Error("scripted function response carried audio")
		}
	}
	if added == nil || added.Type != "function_call" || added.Name != "wrap_up" {
		t.Fatalf("output item = %+v", added)
	}
	if args != `{"organization_name":"Bank of Peril"}` {
		t.Errorf("streamed arguments = %q", args)
	}
	if doneArgs != args {
		t.Errorf("done arguments %q differ from streamed %q", doneArgs, args)
	}
}

func TestMockRecordsFunctionOutputs(t *testing.T) {
	s := mock.New()
	defer s.Close()

	if err := s.SendFunctionOutput("call-1", `{"ok":true}`); err != nil {
		t.Fatalf("SendFunctionOutput: %v", err)
	}
	outputs := s.FunctionOutputs()
	if outputs["call-1"] != `{"ok":true}` {
		t.Errorf("outputs = %v", outputs)
	}
}

func TestMockCommitAcknowledged(t *testing.T) {
	s := mock.New()
	defer s.Close()

	if err := s.AppendAudio(make([]byte, 3200)); err != nil {
		t.Fatalf("AppendAudio: %v", err)
	}
	if s.BytesAppended() != 3200 {
		t.Errorf("bytes appended = %d", s.BytesAppended())
	}
	if err := s.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	evt := <-s.Events()
	if evt.Type != aiservice.TypeInputCommitted {
		t.Errorf("event = %q", evt.Type)
	}
}

func TestMockCloseIdempotent(t *testing.T) {
	s := mock.New()
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateResponse(); err == nil {
		t.Error("CreateResponse after close succeeded")
	}
	if _, ok := <-s.Events(); ok {
		t.Error("event received after close")
	}
}

func TestMockInitializeEmitsSessionEvents(t *testing.T) {
	s := mock.New()
	defer s.Close()

	if err := s.InitializeSession(aiservice.SessionConfig{Voice: "alloy"}); err != nil {
		t.Fatalf("InitializeSession: %v", err)
	}
	first := <-s.Events()
	second := <-s.Events()
	if first.Type != aiservice.TypeSessionCreated || second.Type != aiservice.TypeSessionUpdated {
		t.Errorf("events = %q, %q", first.Type, second.Type)
	}
}
