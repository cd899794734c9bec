package blueprints

import (
	"context"
	"encoding/json"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/blueprintd/blueprintd/pkg/config"
	"github.com/blueprintd/blueprintd/pkg/engine"
	"github.com/blueprintd/blueprintd/pkg/netres"
	"github.com/blueprintd/blueprintd/pkg/stores"
	"github.com/blueprintd/blueprintd/pkg/transports/ssh"
	"github.com/rs/zerolog"
)

const testCatalog = `
types: {
	"k8s-small": {
		kind:    "k8s"
		network: "mgmt"
		params: {control_plane: 1, workers: 2, flavor: "m1.large"}
		operations: {
			init: stages: [{
				name: "provision"
				build: [
					{method: "reserve_addresses"},
					{method: "create_vms", callback: "vim_confirmed", timeout: "1m"},
				]
				configure: [{method: "assign_addresses"}, {method: "publish_endpoint"}]
			}]
			scale: stages: [{
				build: [
					{method: "scale_out"},
					{method: "create_vms", callback: "vim_confirmed"},
				]
				configure: [{method: "assign_addresses"}]
			}]
			destroy: stages: [{
				teardown: [{method: "delete_vms"}, {method: "release_addresses"}]
			}]
		}
	}
	"edge-router": {
		kind:    "vrouter"
		network: "mgmt"
		params: {image: "vyos-1.4", config_path: "/etc/frr/frr.conf"}
		operations: {
			init: stages: [{
				name: "provision"
				build: [
					{method: "reserve_mgmt"},
					{method: "create_vm", callback: "vim_confirmed", timeout: "1m"},
				]
				configure: [{method: "push_config"}]
			}]
			reconfigure: stages: [{
				build: [{method: "update_settings"}]
				configure: [{method: "push_config"}]
			}]
			destroy: stages: [{
				teardown: [{method: "delete_vm"}, {method: "release_mgmt"}]
			}]
		}
	}
}
`

// notes captures session outcomes.
type notes struct {
	ch chan engine.Notification
}

func (n *notes) NotifyResult(_ context.Context, note engine.Notification) error {
	n.ch <- note
	return nil
}

// fakePusher records pushes instead of dialing.
type fakePusher struct {
	mu   sync.Mutex
	reqs []ssh.PushRequest
	err  error
}

func (p *fakePusher) Push(_ context.Context, req ssh.PushRequest) (*ssh.PushResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	p.reqs = append(p.reqs, req)
	var n int64
	for _, f := range req.Files {
		n += int64(len(f.Content))
	}
	return &ssh.PushResult{Host: req.Host, Files: len(req.Files), Bytes: n}, nil
}

func (p *fakePusher) pushes() []ssh.PushRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ssh.PushRequest(nil), p.reqs...)
}

type env struct {
	types  *Types
	reg    *engine.Registry
	nets   *netres.Registry
	exec   *LocalExecutor
	store  *stores.SQLiteStore
	notes  *notes
	pusher *fakePusher
}

type envOptions struct {
	catalog string
	poolEnd string
	noPush  bool
}

func parseCatalog(t *testing.T, src string) *config.Catalog {
	t.Helper()
	cat, err := config.NewCUEParser().ParseInline(context.Background(), src)
	if err != nil {
		t.Fatalf("ParseInline error = %v", err)
	}
	if err := cat.Err(); err != nil {
		t.Fatalf("catalog error = %v", err)
	}
	return cat
}

func newEnv(t *testing.T, opts envOptions) *env {
	t.Helper()
	ctx := context.Background()

	if opts.catalog == "" {
		opts.catalog = testCatalog
	}
	if opts.poolEnd == "" {
		opts.poolEnd = "10.0.0.20"
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("NewSQLiteStore error = %v", err)
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("Init error = %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Migrate error = %v", err)
	}

	nets := netres.NewRegistry(netres.Options{Store: store})
	err = nets.AddNetwork(ctx, "mgmt", []netres.AllocationPool{{
		Start: netip.MustParseAddr("10.0.0.1"),
		End:   netip.MustParseAddr(opts.poolEnd),
	}})
	if err != nil {
		t.Fatalf("AddNetwork error = %v", err)
	}

	e := &env{
		nets:   nets,
		exec:   NewLocalExecutor(10*time.Millisecond, nil),
		store:  store,
		notes:  &notes{ch: make(chan engine.Notification, 32)},
		pusher: &fakePusher{},
	}

	deps := Deps{
		Networks: nets,
		Executor: e.exec,
		Starlark: config.NewStarlarkEvaluator(5*time.Second, zerolog.Nop()),
	}
	if !opts.noPush {
		deps.Pusher = e.pusher
	}

	e.types, err = NewTypes(parseCatalog(t, opts.catalog), deps)
	if err != nil {
		t.Fatalf("NewTypes error = %v", err)
	}

	e.reg, err = engine.NewRegistry(engine.Options{
		Store:     store,
		Factory:   e.types,
		Notifier:  e.notes,
		Providers: engine.NewStaticProvider(engine.ProviderContext{VIM: "local", Network: "mgmt"}),
	})
	if err != nil {
		t.Fatalf("NewRegistry error = %v", err)
	}
	e.exec.Bind(e.reg)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.reg.Shutdown(ctx)
		_ = store.Close()
	})
	t.Cleanup(e.exec.Close)

	return e
}

func (e *env) create(t *testing.T, blueprintType, id string) {
	t.Helper()
	if _, err := e.reg.CreateInstance(context.Background(), blueprintType, id, map[string]string{"site": "lab"}); err != nil {
		t.Fatalf("CreateInstance(%s) error = %v", id, err)
	}
}

// run submits an operation and waits for its outcome.
func (e *env) run(t *testing.T, id, op string, payload interface{}) engine.Notification {
	t.Helper()

	var raw json.RawMessage
	if payload != nil {
		var err error
		if raw, err = json.Marshal(payload); err != nil {
			t.Fatal(err)
		}
	}

	sid, err := e.reg.Submit(context.Background(), engine.SubmitRequest{InstanceID: id, Operation: op, Payload: raw})
	if err != nil {
		t.Fatalf("Submit(%s, %s) error = %v", id, op, err)
	}
	return e.await(t, sid)
}

func (e *env) await(t *testing.T, sid string) engine.Notification {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case n := <-e.notes.ch:
			if n.SessionID == sid {
				return n
			}
		case <-timeout:
			t.Fatalf("session %s did not finish", sid)
		}
	}
}

func (e *env) doc(t *testing.T, id string) *engine.Document {
	t.Helper()
	doc, err := e.store.Load(context.Background(), id)
	if err != nil {
		t.Fatalf("Load(%s) error = %v", id, err)
	}
	return doc
}

func (e *env) reserved(t *testing.T) int {
	t.Helper()
	info, err := e.nets.Network(context.Background(), "mgmt")
	if err != nil {
		t.Fatal(err)
	}
	return info.Reserved
}

func mustReady(t *testing.T, n engine.Notification) {
	t.Helper()
	if n.Outcome != engine.OutcomeReady {
		t.Fatalf("outcome = %s (%s), want ready", n.Outcome, n.Reason)
	}
}
