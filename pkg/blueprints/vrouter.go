package blueprints

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"text/template"
	"time"

	"github.com/blueprintd/blueprintd/pkg/engine"
	"github.com/blueprintd/blueprintd/pkg/transports/ssh"
)

const defaultRouterTemplate = `hostname {{ .Hostname }}
!
interface mgmt0
 ip address {{ .Address }}/{{ .PrefixLen }}
!
router bgp {{ .ASN }}
{{- range .Neighbors }}
 neighbor {{ . }} remote-as external
{{- end }}
!
`

type routerState struct {
	Network   string    `json:"network,omitempty"`
	RangeID   string    `json:"range_id,omitempty"`
	Address   string    `json:"address,omitempty"`
	VMID      string    `json:"vm_id,omitempty"`
	Job       string    `json:"job,omitempty"`
	Hostname  string    `json:"hostname,omitempty"`
	ASN       int64     `json:"asn,omitempty"`
	Neighbors []string  `json:"neighbors,omitempty"`
	Revision  int       `json:"revision"`
	Checksum  string    `json:"checksum,omitempty"`
	PushedAt  time.Time `json:"pushed_at,omitempty"`
}

// routerSettings is the payload of init and reconfigure.
type routerSettings struct {
	Hostname  string   `json:"hostname,omitempty"`
	ASN       int64    `json:"asn,omitempty"`
	Neighbors []string `json:"neighbors,omitempty"`
}

// routerConfig is the data the config template renders.
type routerConfig struct {
	Hostname  string
	Address   string
	PrefixLen int
	ASN       int64
	Neighbors []string
}

// router is the vrouter blueprint kind.
type router struct {
	instance
	state routerState
}

func newRouter(base instance) (*router, error) {
	r := &router{instance: base}
	if err := decodeState(base.doc, &r.state); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *router) Handlers() map[string]engine.Handler {
	return map[string]engine.Handler{
		"reserve_mgmt":    r.reserveMgmt,
		"create_vm":       r.createVM,
		"vim_confirmed":   r.vimConfirmed,
		"update_settings": r.updateSettings,
		"push_config":     r.pushConfig,
		"delete_vm":       r.deleteVM,
		"release_mgmt":    r.releaseMgmt,
	}
}

func (r *router) EncodeState() (json.RawMessage, error) {
	return json.Marshal(r.state)
}

// Destroy deletes the machine and returns the management address.
func (r *router) Destroy(ctx context.Context) error {
	if err := r.deleteMachine(ctx); err != nil {
		return err
	}
	return r.release(ctx)
}

// reserveMgmt reserves and assigns the management address.
func (r *router) reserveMgmt(ctx context.Context, call *engine.Call) (engine.Result, error) {
	if err := r.applySettings(call); err != nil {
		return nil, err
	}
	if r.state.Address != "" {
		return engine.Result{"address": r.state.Address}, nil
	}

	network, err := r.network(call)
	if err != nil {
		return nil, err
	}

	ranges, err := r.deps.Networks.Reserve(ctx, network, r.doc.ID, 1)
	if err != nil {
		return nil, err
	}
	rr := ranges[0]

	addr, ok, err := r.deps.Networks.AssignAddress(ctx, network, rr.ID)
	if err == nil && !ok {
		err = engine.NewPermanentError("management reservation has no free address", nil).
			WithCode(engine.ErrCodeInsufficientCapacity).WithResource(rr.ID)
	}
	if err != nil {
		if rerr := r.deps.Networks.Release(ctx, network, rr.ID); rerr != nil {
			r.logger.WithError(rerr).Warn("Failed to release management range")
		}
		return nil, err
	}

	r.state.Network = network
	r.state.RangeID = rr.ID
	r.state.Address = addr.String()

	r.logger.WithNetwork(network).WithField("address", r.state.Address).Info("Management address reserved")
	return engine.Result{"network": network, "address": r.state.Address}, nil
}

// createVM asks the VIM for the router machine.
func (r *router) createVM(ctx context.Context, call *engine.Call) (engine.Result, error) {
	if r.state.Address == "" {
		return nil, engine.NewPermanentError("router has no management address", nil).
			WithCode(engine.ErrCodeStageFailed).WithResource(r.doc.ID)
	}

	job := Job{
		InstanceID: r.doc.ID,
		SessionID:  call.Session.ID,
		Callback:   "vim_confirmed",
		Action:     ActionCreateVMs,
		VMs: []VMSpec{{
			Name:    r.doc.ID,
			Role:    "router",
			Flavor:  paramString(r.spec.Params, "flavor", "m1.small"),
			Image:   paramString(r.spec.Params, "image", "vrouter"),
			Address: r.state.Address,
		}},
	}
	if call.Provider != nil {
		job.VIM = call.Provider.VIM
	}

	id, err := r.deps.Executor.Submit(ctx, job)
	if err != nil {
		return nil, err
	}
	r.state.Job = id
	return engine.Result{"job": id}, nil
}

func (r *router) vimConfirmed(_ context.Context, call *engine.Call) (engine.Result, error) {
	conf, err := decodeConfirmation(call)
	if err != nil {
		return nil, err
	}
	id, ok := conf.VMs[r.doc.ID]
	if !ok || id == "" {
		return nil, engine.NewPermanentError("VIM did not confirm the router machine", nil).
			WithCode(engine.ErrCodeStageFailed).WithResource(r.doc.ID)
	}
	r.state.VMID = id
	r.state.Job = ""
	return engine.Result{"vm_id": id}, nil
}

// updateSettings merges new routing settings before a push.
func (r *router) updateSettings(_ context.Context, call *engine.Call) (engine.Result, error) {
	if err := r.applySettings(call); err != nil {
		return nil, err
	}
	return engine.Result{"hostname": r.state.Hostname, "asn": r.state.ASN, "neighbors": len(r.state.Neighbors)}, nil
}

func (r *router) applySettings(call *engine.Call) error {
	var s routerSettings
	if err := call.Decode(&s); err != nil {
		return invalidPayload(call.Session.Operation, err)
	}
	if s.Hostname != "" {
		r.state.Hostname = s.Hostname
	}
	if s.ASN != 0 {
		if s.ASN < 0 || s.ASN > 4294967295 {
			return invalidPayload(call.Session.Operation, fmt.Errorf("asn %d out of range", s.ASN))
		}
		r.state.ASN = s.ASN
	}
	if s.Neighbors != nil {
		r.state.Neighbors = s.Neighbors
	}
	if r.state.Hostname == "" {
		r.state.Hostname = r.doc.ID
	}
	if r.state.ASN == 0 {
		r.state.ASN = int64(paramInt(r.spec.Params, "asn", 65000))
	}
	return nil
}

// render produces the router configuration file.
func (r *router) render() ([]byte, error) {
	text := paramString(r.spec.Params, "template", defaultRouterTemplate)
	tmpl, err := template.New(r.spec.Name).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, engine.NewPermanentError("invalid router template", err).WithCode(engine.ErrCodeValidation)
	}

	var buf bytes.Buffer
	err = tmpl.Execute(&buf, routerConfig{
		Hostname:  r.state.Hostname,
		Address:   r.state.Address,
		PrefixLen: paramInt(r.spec.Params, "prefix_len", 24),
		ASN:       r.state.ASN,
		Neighbors: r.state.Neighbors,
	})
	if err != nil {
		return nil, engine.NewPermanentError("failed to render router config", err).WithCode(engine.ErrCodeStageFailed)
	}
	return buf.Bytes(), nil
}

// pushConfig renders the configuration and pushes it to the router. With
// pushes disabled the revision is still recorded.
func (r *router) pushConfig(ctx context.Context, call *engine.Call) (engine.Result, error) {
	if r.state.Address == "" {
		return nil, engine.NewPermanentError("router has no management address", nil).
			WithCode(engine.ErrCodeStageFailed).WithResource(r.doc.ID)
	}

	content, err := r.render()
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(content)
	checksum := hex.EncodeToString(sum[:])

	result := engine.Result{"checksum": checksum}

	if checksum == r.state.Checksum {
		result["unchanged"] = true
		return result, nil
	}

	if r.deps.Pusher == nil {
		r.logger.Warn("Configuration pushes disabled, recording revision only")
		result["skipped"] = true
	} else {
		pushed, err := r.deps.Pusher.Push(ctx, ssh.PushRequest{
			Host: r.state.Address,
			Files: []ssh.File{{
				Path:    paramString(r.spec.Params, "config_path", "/etc/frr/frr.conf"),
				Content: content,
				Mode:    0o640,
			}},
			Reload: paramString(r.spec.Params, "reload", "systemctl reload frr"),
		})
		if err != nil {
			return nil, engine.NewTransientError("configuration push failed", err).
				WithResource(r.doc.ID).WithOperation(call.Session.Operation)
		}
		result["bytes"] = pushed.Bytes
	}

	r.state.Revision++
	r.state.Checksum = checksum
	r.state.PushedAt = time.Now().UTC()
	result["revision"] = r.state.Revision
	return result, nil
}

func (r *router) deleteVM(ctx context.Context, _ *engine.Call) (engine.Result, error) {
	id := r.state.VMID
	if err := r.deleteMachine(ctx); err != nil {
		return nil, err
	}
	return engine.Result{"vm_id": id}, nil
}

func (r *router) releaseMgmt(ctx context.Context, _ *engine.Call) (engine.Result, error) {
	addr := r.state.Address
	if err := r.release(ctx); err != nil {
		return nil, err
	}
	return engine.Result{"address": addr}, nil
}

func (r *router) deleteMachine(ctx context.Context) error {
	if r.state.VMID == "" {
		return nil
	}
	if err := r.deps.Executor.Delete(ctx, r.doc.ID, []string{r.state.VMID}); err != nil {
		return err
	}
	r.state.VMID = ""
	return nil
}

func (r *router) release(ctx context.Context) error {
	if r.state.Network == "" {
		return nil
	}
	if _, err := r.deps.Networks.ReleaseOwner(ctx, r.state.Network, r.doc.ID); err != nil {
		return err
	}
	r.state.RangeID = ""
	r.state.Address = ""
	r.state.Checksum = ""
	return nil
}
