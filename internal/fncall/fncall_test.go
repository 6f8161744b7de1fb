package fncall_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kverne/voicebridge/internal/fncall"
	"github.com/kverne/voicebridge/internal/session"
)

// fakeSender captures delivered results and response triggers.
type fakeSender struct {
	mu        sync.Mutex
	outputs   map[string]string
	responses int
	delivered chan string // call ids, in delivery order
}

func newFakeSender() *fakeSender {
	return &fakeSender{
		outputs:   make(map[string]string),
		delivered: make(chan string, 16),
	}
}

func (f *fakeSender) SendFunctionOutput(callID, output string) error {
	f.mu.Lock()
	f.outputs[callID] = output
	f.mu.Unlock()
	f.delivered <- callID
	return nil
}

func (f *fakeSender) CreateResponse() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses++
	return nil
}

func (f *fakeSender) output(callID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.outputs[callID]
}

func (f *fakeSender) responseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.responses
}

func waitDelivery(t *testing.T, f *fakeSender) string {
	t.Helper()
	select {
	case id := <-f.delivered:
		return id
	case <-time.After(3 * time.Second):
		t.Fatal("result never delivered")
		return ""
	}
}

func TestStreamedArgumentsAssembleInOrder(t *testing.T) {
	reg := fncall.NewRegistry()
	var gotArgs map[string]any
	var mu sync.Mutex
	reg.Register("lookup", func(_ context.Context, args map[string]any) (map[string]any, error) {
		mu.Lock()
		gotArgs = args
		mu.Unlock()
		return map[string]any{"ok": true}, nil
	})
	sender := newFakeSender()
	p := fncall.NewProcessor(reg, sender)
	defer p.Close()

	p.Begin("call-1", "lookup")
	p.AppendArgs("call-1", `{"account":`)
	p.AppendArgs("call-1", `"12-99"}`)
	p.Finish(context.Background(), "call-1", "lookup", "")

	waitDelivery(t, sender)
	mu.Lock()
	defer mu.Unlock()
	if gotArgs["account"] != "12-99" {
		t.Errorf("handler args = %v", gotArgs)
	}
	if p.ActiveCount() != 0 {
		t.Errorf("active entry not removed: %d", p.ActiveCount())
	}
}

func TestFinalArgumentsSupersedeBuffer(t *testing.T) {
	reg := fncall.NewRegistry()
	var gotArgs map[string]any
	var mu sync.Mutex
	reg.Register("lookup", func(_ context.Context, args map[string]any) (map[string]any, error) {
		mu.Lock()
		gotArgs = args
		mu.Unlock()
		return nil, nil
	})
	sender := newFakeSender()
	p := fncall.NewProcessor(reg, sender)
	defer p.Close()

	p.Begin("call-1", "lookup")
	p.AppendArgs("call-1", `{"partial": tru`)
	p.Finish(context.Background(), "call-1", "lookup", `{"full": 1}`)

	waitDelivery(t, sender)
	mu.Lock()
	defer mu.Unlock()
	if gotArgs["full"] != float64(1) || len(gotArgs) != 1 {
		t.Errorf("handler args = %v", gotArgs)
	}
}

func TestEmptyArgumentsMeanEmptyObject(t *testing.T) {
	reg := fncall.NewRegistry()
	called := make(chan map[string]any, 1)
	reg.Register("noop", func(_ context.Context, args map[string]any) (map[string]any, error) {
		called <- args
		return map[string]any{}, nil
	})
	sender := newFakeSender()
	p := fncall.NewProcessor(reg, sender)
	defer p.Close()

	p.Finish(context.Background(), "call-1", "noop", "")
	waitDelivery(t, sender)

	args := <-called
	if args == nil || len(args) != 0 {
		t.Errorf("args = %v, want empty object", args)
	}
}

func TestErrorPolicyAlwaysDeliversResult(t *testing.T) {
	reg := fncall.NewRegistry()
	reg.Register("boom", func(_ context.Context, _ map[string]any) (map[string]any, error) {
		return nil, errors.New("backend unavailable")
	})
	reg.Register("panicky", func(_ context.Context, _ map[string]any) (map[string]any, error) {
		panic("oh no")
	})
	sender := newFakeSender()
	p := fncall.NewProcessor(reg, sender)
	defer p.Close()

	cases := []struct {
		callID, name, args, wantErrSub string
	}{
		{"c-parse", "boom", `{"broken`, "parse"},
		{"c-unknown", "no_such_fn", `{}`, "not implemented"},
		{"c-err", "boom", `{}`, "backend unavailable"},
		{"c-panic", "panicky", `{}`, "panic"},
	}
	for _, tc := range cases {
		p.Finish(context.Background(), tc.callID, tc.name, tc.args)
		waitDelivery(t, sender)

		var result map[string]any
		if err := json.Unmarshal([]byte(sender.output(tc.callID)), &result); err != nil {
			t.Fatalf("%s: result not JSON: %v", tc.callID, err)
		}
		msg, _ := result["error"].(string)
		if msg == "" {
			t.Errorf("%s: no error in result %v", tc.callID, result)
		}
		if p.ActiveCount() != 0 {
			t.Errorf("%s: active entry leaked", tc.callID)
		}
	}
}

func TestSuccessTriggersFollowUpResponse(t *testing.T) {
	reg := fncall.NewRegistry()
	reg.Register("lookup", func(_ context.Context, _ map[string]any) (map[string]any, error) {
		return map[string]any{"balance": 12.5}, nil
	})
	sender := newFakeSender()
	p := fncall.NewProcessor(reg, sender)
	defer p.Close()

	p.Finish(context.Background(), "call-1", "lookup", `{}`)
	waitDelivery(t, sender)
	p.Close()

	if got := sender.responseCount(); got != 1 {
		t.Errorf("responses triggered = %d, want 1", got)
	}
}

func TestHangUpSuppressesFollowUpResponse(t *testing.T) {
	reg := fncall.NewRegistry()
	reg.Register("wrap_up", func(_ context.Context, _ map[string]any) (map[string]any, error) {
		return map[string]any{"context": map[string]any{"stage": "call_complete"}}, nil
	})
	sender := newFakeSender()
	hungUp := make(chan string, 1)
	p := fncall.NewProcessor(reg, sender,
		fncall.WithHangUpDelay(20*time.Millisecond),
		fncall.WithHangUp(func(reason string) { hungUp <- reason }),
	)
	defer p.Close()

	p.Finish(context.Background(), "call-1", "wrap_up", `{"organization_name":"Bank of Peril"}`)
	waitDelivery(t, sender)

	select {
	case reason := <-hungUp:
		if reason != "Call completed successfully – all tasks finished" {
			t.Errorf("reason = %q", reason)
		}
	case <-time.After(time.Second):
		t.Fatal("hang-up never fired")
	}
	p.Close()
	if got := sender.responseCount(); got != 0 {
		t.Errorf("responses triggered = %d, want 0", got)
	}
}

func TestHangUpReasonVariants(t *testing.T) {
	cases := []struct {
		name       string
		fn         string
		result     map[string]any
		wantReason string
	}{
		{
			name:       "explicit next_action",
			fn:         "custom_end",
			result:     map[string]any{"next_action": "end_call"},
			wantReason: "Call ended after custom_end completion",
		},
		{
			name:       "transfer with reference",
			fn:         "transfer_to_human",
			result:     map[string]any{"context": map[string]any{"stage": "human_transfer", "reference": "TKT-77"}},
			wantReason: "Transferred to human agent – Reference: TKT-77",
		},
		{
			name:       "wrap_up without stage",
			fn:         "wrap_up",
			result:     map[string]any{},
			wantReason: "Call ended after wrap_up completion",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reg := fncall.NewRegistry()
			reg.Register(tc.fn, func(_ context.Context, _ map[string]any) (map[string]any, error) {
				return tc.result, nil
			})
			sender := newFakeSender()
			hungUp := make(chan string, 1)
			p := fncall.NewProcessor(reg, sender,
				fncall.WithHangUpDelay(10*time.Millisecond),
				fncall.WithHangUp(func(reason string) { hungUp <- reason }),
			)
			defer p.Close()

			p.Finish(context.Background(), "call-1", tc.fn, `{}`)
			waitDelivery(t, sender)

			select {
			case reason := <-hungUp:
				if reason != tc.wantReason {
					t.Errorf("reason = %q, want %q", reason, tc.wantReason)
				}
			case <-time.After(time.Second):
				t.Fatal("hang-up never fired")
			}
		})
	}
}

func TestHangUpFiresExactlyOnce(t *testing.T) {
	reg := fncall.NewRegistry()
	reg.Register("wrap_up", func(_ context.Context, _ map[string]any) (map[string]any, error) {
		return map[string]any{"context": map[string]any{"stage": "call_complete"}}, nil
	})
	sender := newFakeSender()
	var fired int
	var mu sync.Mutex
	p := fncall.NewProcessor(reg, sender,
		fncall.WithHangUpDelay(10*time.Millisecond),
		fncall.WithHangUp(func(string) {
			mu.Lock()
			fired++
			mu.Unlock()
		}),
	)
	defer p.Close()

	p.Finish(context.Background(), "call-1", "wrap_up", `{}`)
	waitDelivery(t, sender)
	p.Finish(context.Background(), "call-2", "wrap_up", `{}`)
	waitDelivery(t, sender)

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if fired != 1 {
		t.Errorf("hang-up fired %d times, want 1", fired)
	}
}

func TestCloseCancelsPendingHangUp(t *testing.T) {
	reg := fncall.NewRegistry()
	reg.Register("wrap_up", func(_ context.Context, _ map[string]any) (map[string]any, error) {
		return map[string]any{"context": map[string]any{"stage": "call_complete"}}, nil
	})
	sender := newFakeSender()
	hungUp := make(chan string, 1)
	p := fncall.NewProcessor(reg, sender,
		fncall.WithHangUpDelay(50*time.Millisecond),
		fncall.WithHangUp(func(reason string) { hungUp <- reason }),
	)

	p.Finish(context.Background(), "call-1", "wrap_up", `{}`)
	waitDelivery(t, sender)
	p.Close()

	select {
	case reason := <-hungUp:
		t.Errorf("hang-up fired after close: %q", reason)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestRecorderReceivesLifecycle(t *testing.T) {
	reg := fncall.NewRegistry()
	reg.Register("lookup", func(_ context.Context, _ map[string]any) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	})
	sender := newFakeSender()
	var mu sync.Mutex
	var records []session.FunctionCallRecord
	p := fncall.NewProcessor(reg, sender,
		fncall.WithRecorder(func(rec session.FunctionCallRecord) {
			mu.Lock()
			records = append(records, rec)
			mu.Unlock()
		}),
	)
	defer p.Close()

	p.Begin("call-1", "lookup")
	p.Finish(context.Background(), "call-1", "lookup", `{}`)
	waitDelivery(t, sender)

	mu.Lock()
	defer mu.Unlock()
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2 (streaming + completed)", len(records))
	}
	if records[0].Status != session.FuncStreaming {
		t.Errorf("first record status = %s", records[0].Status)
	}
	if records[1].Status != session.FuncCompleted || records[1].CallID != "call-1" {
		t.Errorf("second record = %+v", records[1])
	}
}
