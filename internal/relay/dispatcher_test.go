package relay

import (
	"encoding/json"
	"slices"
	"sync"
	"testing"

	"github.com/codewiresh/cmdrelay/internal/auth"
	"github.com/codewiresh/cmdrelay/internal/protocol"
	"github.com/codewiresh/cmdrelay/internal/store"
)

const (
	testClientKey = "client-secret"
	testAdminKey  = "admin-secret"
)

type recordingAuditor struct {
	mu     sync.Mutex
	events []store.Event
}

func (a *recordingAuditor) Record(ev store.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
}

func (a *recordingAuditor) types() []store.EventType {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []store.EventType
	for _, ev := range a.events {
		out = append(out, ev.Type)
	}
	return out
}

type dispatchFixture struct {
	t        *testing.T
	presence *Presence
	d        *Dispatcher
	sinks    map[string]*fakeSink
}

func newDispatchFixture(t *testing.T, strict bool, audit Auditor) *dispatchFixture {
	t.Helper()
	p := NewPresence(quietLogger())
	return &dispatchFixture{
		t:        t,
		presence: p,
		d: NewDispatcher(p, DispatcherConfig{
			Keys:        auth.Keys{Client: testClientKey, Admin: testAdminKey},
			StrictRoles: strict,
			Audit:       audit,
			Logger:      quietLogger(),
		}),
		sinks: make(map[string]*fakeSink),
	}
}

func (f *dispatchFixture) connect(id string) *fakeSink {
	s := newFakeSink()
	f.presence.Register(id, s)
	f.sinks[id] = s
	return s
}

func (f *dispatchFixture) send(id string, raw string) {
	f.d.Handle(protocol.TextFrame([]byte(raw)), Peer{Identity: id, Sink: f.sinks[id]})
}

func (f *dispatchFixture) auth(id, key string) {
	f.t.Helper()
	payload, err := protocol.NewAuthRequest(key)
	if err != nil {
		f.t.Fatal(err)
	}
	f.send(id, string(payload))
}

func (f *dispatchFixture) reset() {
	for _, s := range f.sinks {
		s.mu.Lock()
		s.msgs = nil
		s.mu.Unlock()
	}
}

func (f *dispatchFixture) assertSilent(ids ...string) {
	f.t.Helper()
	for _, id := range ids {
		if n := len(f.sinks[id].messages()); n != 0 {
			f.t.Errorf("%s received %d messages, want none", id, n)
		}
	}
}

func connectedClients(t *testing.T, env wireEnvelope) []string {
	t.Helper()
	var data protocol.ClientsUpdateData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decoding clients_update: %v", err)
	}
	return data.ConnectedClients
}

func TestAuthClientKeyMarksTargetAndBroadcasts(t *testing.T) {
	f := newDispatchFixture(t, false, nil)
	f.connect("alice")
	f.connect("bob")
	f.connect("bot1")
	f.auth("alice", testAdminKey)
	f.auth("bob", testAdminKey)

	f.auth("bot1", testClientKey)

	if f.presence.RoleOf("bot1") != RoleTarget {
		t.Fatalf("bot1 role = %v", f.presence.RoleOf("bot1"))
	}
	for _, id := range []string{"alice", "bob"} {
		envs := f.sinks[id].envelopes(t)
		if len(envs) != 1 || envs[0].Action != protocol.ActionClientsUpdate {
			t.Fatalf("%s got %+v, want one clients_update", id, envs)
		}
		if got := connectedClients(t, envs[0]); !slices.Equal(got, []string{"bot1"}) {
			t.Fatalf("%s connected_clients = %v", id, got)
		}
	}
	f.assertSilent("bot1")
}

func TestAuthAdminKeyNoBroadcast(t *testing.T) {
	f := newDispatchFixture(t, false, nil)
	f.connect("alice")
	f.connect("carol")
	f.auth("alice", testAdminKey)

	f.auth("carol", testAdminKey)

	if f.presence.RoleOf("carol") != RoleController {
		t.Fatal("carol not a controller")
	}
	f.assertSilent("alice", "carol")
}

func TestAuthWrongKey(t *testing.T) {
	audit := &recordingAuditor{}
	f := newDispatchFixture(t, false, audit)
	f.connect("mallory")

	f.auth("mallory", "guess")
	f.auth("mallory", "")

	if f.presence.RoleOf("mallory") != RoleUnauthenticated {
		t.Fatal("wrong key changed state")
	}
	if _, ok := f.presence.LookupSink("mallory"); !ok {
		t.Fatal("wrong key must not disconnect")
	}
	if f.sinks["mallory"].isClosed() {
		t.Fatal("wrong key closed the sink")
	}
	f.assertSilent("mallory")
	if got := audit.types(); !slices.Equal(got, []store.EventType{store.EventAuthRejected, store.EventAuthRejected}) {
		t.Fatalf("audit = %v", got)
	}
}

func TestSecondAuthIgnored(t *testing.T) {
	f := newDispatchFixture(t, false, nil)
	f.connect("bot1")
	f.auth("bot1", testClientKey)
	f.auth("bot1", testAdminKey)

	if f.presence.RoleOf("bot1") != RoleTarget {
		t.Fatalf("role changed to %v", f.presence.RoleOf("bot1"))
	}
}

func TestGetClientsFromTargetRejected(t *testing.T) {
	f := newDispatchFixture(t, false, nil)
	f.connect("bot1")
	f.auth("bot1", testClientKey)
	f.reset()

	f.send("bot1", `{"action":"get_clients_request","data":{}}`)

	f.assertSilent("bot1")
}

func TestGetClientsFromController(t *testing.T) {
	f := newDispatchFixture(t, false, nil)
	f.connect("alice")
	f.connect("bob")
	f.connect("bot1")
	f.connect("bot2")
	f.auth("alice", testAdminKey)
	f.auth("bob", testAdminKey)
	f.auth("bot1", testClientKey)
	f.auth("bot2", testClientKey)
	f.reset()

	f.send("alice", `{"action":"get_clients_request","data":{}}`)

	envs := f.sinks["alice"].envelopes(t)
	if len(envs) != 1 || envs[0].Action != protocol.ActionClientsUpdate {
		t.Fatalf("alice got %+v", envs)
	}
	got := connectedClients(t, envs[0])
	if !slices.Equal(got, f.presence.SnapshotRole(RoleTarget)) {
		t.Fatalf("connected_clients = %v, want %v", got, f.presence.SnapshotRole(RoleTarget))
	}
	f.assertSilent("bob", "bot1", "bot2")
}

func TestGetClientsEmptyList(t *testing.T) {
	f := newDispatchFixture(t, false, nil)
	f.connect("alice")
	f.auth("alice", testAdminKey)

	f.send("alice", `{"action":"get_clients_request"}`)

	envs := f.sinks["alice"].envelopes(t)
	if len(envs) != 1 {
		t.Fatalf("alice got %d messages", len(envs))
	}
	if string(envs[0].Data) != `{"connected_clients":[]}` {
		t.Fatalf("data = %s", envs[0].Data)
	}
}

func TestRunRequestUnknownTarget(t *testing.T) {
	f := newDispatchFixture(t, false, nil)
	f.connect("alice")
	f.connect("bot1")
	f.connect("other")
	f.auth("alice", testAdminKey)
	f.auth("bot1", testClientKey)
	f.reset()

	// "other" is connected but not authenticated as a target.
	for _, target := range []string{"nobody", "other"} {
		f.reset()
		f.send("alice", `{"action":"run_request","data":{"target":"`+target+`","module":"exec","params":{}}}`)

		envs := f.sinks["alice"].envelopes(t)
		if len(envs) != 1 || envs[0].Action != protocol.ActionRun {
			t.Fatalf("alice got %+v", envs)
		}
		var data protocol.RunError
		if err := json.Unmarshal(envs[0].Data, &data); err != nil {
			t.Fatal(err)
		}
		if data.Error != "Target isn't a client" {
			t.Fatalf("error = %q", data.Error)
		}
		f.assertSilent("bot1", "other")
	}
}

func TestRunRequestRouted(t *testing.T) {
	f := newDispatchFixture(t, false, nil)
	f.connect("alice")
	f.connect("bob")
	f.connect("bot1")
	f.connect("bot2")
	f.auth("alice", testAdminKey)
	f.auth("bob", testAdminKey)
	f.auth("bot1", testClientKey)
	f.auth("bot2", testClientKey)
	f.reset()

	f.send("alice", `{"action":"run_request","data":{"target":"bot1","module":"exec","params":{"command":"uptime"}}}`)

	msgs := f.sinks["bot1"].messages()
	if len(msgs) != 1 {
		t.Fatalf("bot1 got %d messages", len(msgs))
	}
	want := `{"action":"run","data":{"module":"exec","params":{"command":"uptime"}}}`
	if string(msgs[0]) != want {
		t.Fatalf("bot1 got %s, want %s", msgs[0], want)
	}
	f.assertSilent("alice", "bob", "bot2")
}

func TestRunRequestEmptyTargetGetsError(t *testing.T) {
	f := newDispatchFixture(t, false, nil)
	f.connect("alice")
	f.connect("bot1")
	f.auth("alice", testAdminKey)
	f.auth("bot1", testClientKey)

	for _, raw := range []string{
		`{"action":"run_request","data":{"target":"","module":"exec","params":{}}}`,
		`{"action":"run_request","data":{"module":"exec"}}`,
		`{"action":"run_request","data":{"target":"ghost","module":""}}`,
	} {
		f.reset()
		f.send("alice", raw)

		envs := f.sinks["alice"].envelopes(t)
		if len(envs) != 1 || envs[0].Action != protocol.ActionRun {
			t.Fatalf("%s: alice got %+v, want one run error", raw, envs)
		}
		var data protocol.RunError
		if err := json.Unmarshal(envs[0].Data, &data); err != nil {
			t.Fatal(err)
		}
		if data.Error != protocol.ErrTargetNotClient {
			t.Fatalf("%s: error = %q", raw, data.Error)
		}
		f.assertSilent("bot1")
	}
}

func TestRunRequestEmptyModuleForwarded(t *testing.T) {
	f := newDispatchFixture(t, false, nil)
	f.connect("alice")
	f.connect("bot1")
	f.auth("alice", testAdminKey)
	f.auth("bot1", testClientKey)
	f.reset()

	f.send("alice", `{"action":"run_request","data":{"target":"bot1","module":""}}`)

	msgs := f.sinks["bot1"].messages()
	want := `{"action":"run","data":{"module":"","params":null}}`
	if len(msgs) != 1 || string(msgs[0]) != want {
		t.Fatalf("bot1 got %q, want %s", msgs, want)
	}
	f.assertSilent("alice")
}

func TestRunRequestIDForwarded(t *testing.T) {
	f := newDispatchFixture(t, false, nil)
	f.connect("alice")
	f.connect("bot1")
	f.auth("alice", testAdminKey)
	f.auth("bot1", testClientKey)
	f.reset()

	f.send("alice", `{"action":"run_request","data":{"id":"r-7","target":"bot1","module":"echo","params":{}}}`)

	msgs := f.sinks["bot1"].messages()
	want := `{"action":"run","data":{"id":"r-7","module":"echo","params":{}}}`
	if len(msgs) != 1 || string(msgs[0]) != want {
		t.Fatalf("bot1 got %q, want %s", msgs, want)
	}
}

func TestRunRequestPermissiveFromUnauthenticated(t *testing.T) {
	f := newDispatchFixture(t, false, nil)
	f.connect("anon")
	f.connect("bot1")
	f.auth("bot1", testClientKey)

	f.send("anon", `{"action":"run_request","data":{"target":"bot1","module":"echo"}}`)

	if n := len(f.sinks["bot1"].messages()); n != 1 {
		t.Fatalf("bot1 got %d messages, want 1", n)
	}
}

func TestRunRequestStrictRequiresController(t *testing.T) {
	audit := &recordingAuditor{}
	f := newDispatchFixture(t, true, audit)
	f.connect("anon")
	f.connect("bot1")
	f.auth("bot1", testClientKey)

	f.send("anon", `{"action":"run_request","data":{"target":"bot1","module":"echo"}}`)

	f.assertSilent("anon", "bot1")
	if !slices.Contains(audit.types(), store.EventAccessDenied) {
		t.Fatal("denied run_request not audited")
	}
}

func TestRunResponseBroadcastVerbatim(t *testing.T) {
	f := newDispatchFixture(t, false, nil)
	f.connect("alice")
	f.connect("bob")
	f.connect("bot1")
	f.connect("bot2")
	f.auth("alice", testAdminKey)
	f.auth("bob", testAdminKey)
	f.auth("bot1", testClientKey)
	f.auth("bot2", testClientKey)
	f.reset()

	f.send("bot1", `{"action":"run_response","data":{"request":{"module":"exec"},"output":"ok"}}`)

	want := `{"action":"run_response","data":{"request":{"module":"exec"},"output":"ok"}}`
	for _, id := range []string{"alice", "bob"} {
		msgs := f.sinks[id].messages()
		if len(msgs) != 1 || string(msgs[0]) != want {
			t.Fatalf("%s got %q", id, msgs)
		}
	}
	f.assertSilent("bot1", "bot2")
}

func TestRunResponseStrictRequiresTarget(t *testing.T) {
	f := newDispatchFixture(t, true, nil)
	f.connect("alice")
	f.connect("anon")
	f.auth("alice", testAdminKey)

	f.send("anon", `{"action":"run_response","data":{"output":"forged"}}`)

	f.assertSilent("alice")
}

func TestMalformedAndUnknownDropped(t *testing.T) {
	f := newDispatchFixture(t, false, nil)
	f.connect("alice")
	f.connect("bot1")
	f.auth("alice", testAdminKey)
	f.auth("bot1", testClientKey)
	f.reset()

	for _, raw := range []string{
		`not json`,
		`{"action":"Auth_Request","data":{"app_key":"admin-secret"}}`,
		`{"action":"reboot","data":{}}`,
		`{"action":"run_request","data":"bot1"}`,
		`{"action":"auth_request","data":[]}`,
		``,
	} {
		f.send("alice", raw)
	}
	f.d.Handle(&protocol.Frame{Type: protocol.FrameBinary, Payload: []byte(`{"action":"get_clients_request"}`)},
		Peer{Identity: "alice", Sink: f.sinks["alice"]})

	f.assertSilent("alice", "bot1")
	if f.presence.RoleOf("alice") != RoleController || f.presence.RoleOf("bot1") != RoleTarget {
		t.Fatal("malformed input changed state")
	}
}

func TestSendFailureKeepsRegistry(t *testing.T) {
	f := newDispatchFixture(t, false, nil)
	f.connect("alice")
	f.connect("bot1")
	f.auth("alice", testAdminKey)
	f.auth("bot1", testClientKey)
	f.reset()
	f.sinks["bot1"].Close()

	f.send("alice", `{"action":"run_request","data":{"target":"bot1","module":"echo"}}`)

	if _, ok := f.presence.LookupSink("bot1"); !ok {
		t.Fatal("dispatcher removed a registry entry after a failed send")
	}
	f.assertSilent("alice")
}

func TestControllerTargetScenario(t *testing.T) {
	audit := &recordingAuditor{}
	f := newDispatchFixture(t, false, audit)
	f.connect("alice")
	f.connect("bot1")
	f.auth("alice", testAdminKey)
	f.auth("bot1", testClientKey)
	f.reset()

	f.send("alice", `{"action":"run_request","data":{"target":"bot1","module":"exec","params":{"command":"ls","args":["-l"]}}}`)

	envs := f.sinks["bot1"].envelopes(t)
	if len(envs) != 1 || envs[0].Action != protocol.ActionRun {
		t.Fatalf("bot1 got %+v", envs)
	}
	var order protocol.RunOrder
	if err := json.Unmarshal(envs[0].Data, &order); err != nil {
		t.Fatal(err)
	}
	if order.Module != "exec" || string(order.Params) != `{"command":"ls","args":["-l"]}` {
		t.Fatalf("order = %+v", order)
	}

	f.send("bot1", `{"action":"run_response","data":{"request":{"module":"exec"},"output":{"stdout":"total 0"}}}`)

	envs = f.sinks["alice"].envelopes(t)
	if len(envs) != 1 || envs[0].Action != protocol.ActionRunResponse {
		t.Fatalf("alice got %+v", envs)
	}
	if string(envs[0].Data) != `{"request":{"module":"exec"},"output":{"stdout":"total 0"}}` {
		t.Fatalf("run_response data = %s", envs[0].Data)
	}

	want := []store.EventType{store.EventRunRouted, store.EventRunResponse}
	got := audit.types()
	if !slices.Equal(got[len(got)-2:], want) {
		t.Fatalf("audit tail = %v, want %v", got, want)
	}
}
