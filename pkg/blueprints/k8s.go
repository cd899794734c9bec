package blueprints

import (
	"context"
	"encoding/json"
	"fmt"
	"net/netip"

	"github.com/blueprintd/blueprintd/pkg/engine"
)

// Node roles of a cluster.
const (
	RoleControlPlane = "control-plane"
	RoleWorker       = "worker"
)

// clusterRange is one reservation held by a cluster.
type clusterRange struct {
	ID    string `json:"id"`
	Start string `json:"start"`
	End   string `json:"end"`
}

// clusterNode is one machine of a cluster.
type clusterNode struct {
	Name    string `json:"name"`
	Role    string `json:"role"`
	VMID    string `json:"vm_id,omitempty"`
	Address string `json:"address,omitempty"`
	// RangeID is the reservation Address was assigned from.
	RangeID string `json:"range_id,omitempty"`
}

type clusterState struct {
	Network      string         `json:"network,omitempty"`
	Ranges       []clusterRange `json:"ranges,omitempty"`
	Nodes        []clusterNode  `json:"nodes,omitempty"`
	ControlPlane int            `json:"control_plane"`
	Workers      int            `json:"workers"`
	Flavor       string         `json:"flavor,omitempty"`
	VIM          string         `json:"vim,omitempty"`
	Endpoint     string         `json:"endpoint,omitempty"`
	// Job is the outstanding VIM job, cleared when it is confirmed.
	Job string `json:"job,omitempty"`
}

// clusterRequest is the payload of init and scale.
type clusterRequest struct {
	ControlPlane int    `json:"control_plane,omitempty"`
	Workers      int    `json:"workers,omitempty"`
	Flavor       string `json:"flavor,omitempty"`
}

// cluster is the k8s blueprint kind.
type cluster struct {
	instance
	state clusterState
}

func newCluster(base instance) (*cluster, error) {
	c := &cluster{instance: base}
	if err := decodeState(base.doc, &c.state); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *cluster) Handlers() map[string]engine.Handler {
	return map[string]engine.Handler{
		"reserve_addresses": c.reserveAddresses,
		"create_vms":        c.createVMs,
		"vim_confirmed":     c.vimConfirmed,
		"assign_addresses":  c.assignAddresses,
		"publish_endpoint":  c.publishEndpoint,
		"scale_out":         c.scaleOut,
		"delete_vms":        c.deleteVMs,
		"release_addresses": c.releaseAddresses,
	}
}

func (c *cluster) EncodeState() (json.RawMessage, error) {
	return json.Marshal(c.state)
}

// Destroy deletes any remaining machines and returns the cluster's addresses.
func (c *cluster) Destroy(ctx context.Context) error {
	if err := c.deleteMachines(ctx); err != nil {
		return err
	}
	return c.release(ctx)
}

// reserveAddresses sizes the cluster from the payload and catalog params and
// reserves one address per node.
func (c *cluster) reserveAddresses(ctx context.Context, call *engine.Call) (engine.Result, error) {
	var req clusterRequest
	if err := call.Decode(&req); err != nil {
		return nil, invalidPayload(call.Session.Operation, err)
	}

	params := c.spec.Params
	c.state.ControlPlane = firstPositive(req.ControlPlane, paramInt(params, "control_plane", 1))
	c.state.Workers = firstPositive(req.Workers, paramInt(params, "workers", 2))
	c.state.Flavor = req.Flavor
	if c.state.Flavor == "" {
		c.state.Flavor = paramString(params, "flavor", "m1.medium")
	}

	if len(c.state.Ranges) > 0 {
		// Already reserved by an earlier attempt of this operation.
		return engine.Result{"network": c.state.Network, "ranges": len(c.state.Ranges)}, nil
	}

	network, err := c.network(call)
	if err != nil {
		return nil, err
	}

	size := c.state.ControlPlane + c.state.Workers
	ranges, err := c.deps.Networks.Reserve(ctx, network, c.doc.ID, size)
	if err != nil {
		return nil, err
	}

	c.state.Network = network
	for _, rr := range ranges {
		c.state.Ranges = append(c.state.Ranges, clusterRange{ID: rr.ID, Start: rr.Start.String(), End: rr.End.String()})
	}

	c.state.Nodes = c.state.Nodes[:0]
	for i := 0; i < c.state.ControlPlane; i++ {
		c.state.Nodes = append(c.state.Nodes, clusterNode{Name: fmt.Sprintf("%s-cp-%d", c.doc.ID, i), Role: RoleControlPlane})
	}
	for i := 0; i < c.state.Workers; i++ {
		c.state.Nodes = append(c.state.Nodes, clusterNode{Name: fmt.Sprintf("%s-worker-%d", c.doc.ID, i), Role: RoleWorker})
	}

	c.logger.WithNetwork(network).WithField("addresses", size).Info("Cluster addresses reserved")
	return engine.Result{"network": network, "ranges": len(ranges), "addresses": size}, nil
}

// createVMs asks the VIM for every node that has no machine yet.
func (c *cluster) createVMs(ctx context.Context, call *engine.Call) (engine.Result, error) {
	var vms []VMSpec
	for _, n := range c.state.Nodes {
		if n.VMID == "" {
			vms = append(vms, VMSpec{
				Name:   n.Name,
				Role:   n.Role,
				Flavor: c.state.Flavor,
				Image:  paramString(c.spec.Params, "image", "k8s-node"),
			})
		}
	}
	if len(vms) == 0 {
		return nil, engine.NewPermanentError("no machines to create", nil).
			WithCode(engine.ErrCodeStageFailed).WithResource(c.doc.ID)
	}

	if call.Provider != nil {
		c.state.VIM = call.Provider.VIM
	}

	id, err := c.deps.Executor.Submit(ctx, Job{
		InstanceID: c.doc.ID,
		SessionID:  call.Session.ID,
		Callback:   "vim_confirmed",
		Action:     ActionCreateVMs,
		VIM:        c.state.VIM,
		VMs:        vms,
	})
	if err != nil {
		return nil, err
	}
	c.state.Job = id

	return engine.Result{"job": id, "machines": len(vms)}, nil
}

// vimConfirmed records the machine IDs reported by the VIM.
func (c *cluster) vimConfirmed(_ context.Context, call *engine.Call) (engine.Result, error) {
	conf, err := decodeConfirmation(call)
	if err != nil {
		return nil, err
	}
	if conf.JobID != "" && c.state.Job != "" && conf.JobID != c.state.Job {
		return nil, engine.NewPermanentError(fmt.Sprintf("confirmation for job %s, expected %s", conf.JobID, c.state.Job), nil).
			WithCode(engine.ErrCodeStageFailed)
	}

	confirmed := 0
	for i := range c.state.Nodes {
		if id, ok := conf.VMs[c.state.Nodes[i].Name]; ok {
			c.state.Nodes[i].VMID = id
			confirmed++
		}
	}
	for _, n := range c.state.Nodes {
		if n.VMID == "" {
			return nil, engine.NewPermanentError("VIM did not confirm machine "+n.Name, nil).
				WithCode(engine.ErrCodeStageFailed).WithResource(c.doc.ID)
		}
	}

	job := c.state.Job
	c.state.Job = ""
	return engine.Result{"job": job, "confirmed": confirmed}, nil
}

// assignAddresses gives every node without an address one from the
// cluster's reservations.
func (c *cluster) assignAddresses(ctx context.Context, _ *engine.Call) (engine.Result, error) {
	assigned := 0
	for i := range c.state.Nodes {
		if c.state.Nodes[i].Address != "" {
			continue
		}
		addr, rangeID, err := c.assign(ctx)
		if err != nil {
			return nil, err
		}
		c.state.Nodes[i].Address = addr.String()
		c.state.Nodes[i].RangeID = rangeID
		assigned++
	}
	return engine.Result{"assigned": assigned}, nil
}

func (c *cluster) assign(ctx context.Context) (netip.Addr, string, error) {
	for _, rr := range c.state.Ranges {
		addr, ok, err := c.deps.Networks.AssignAddress(ctx, c.state.Network, rr.ID)
		if err != nil {
			return netip.Addr{}, "", err
		}
		if ok {
			return addr, rr.ID, nil
		}
	}
	return netip.Addr{}, "", engine.NewPermanentError("cluster reservations are exhausted", nil).
		WithCode(engine.ErrCodeInsufficientCapacity).WithResource(c.doc.ID)
}

// publishEndpoint derives the API endpoint from the first control plane node.
func (c *cluster) publishEndpoint(_ context.Context, _ *engine.Call) (engine.Result, error) {
	for _, n := range c.state.Nodes {
		if n.Role == RoleControlPlane && n.Address != "" {
			port, err := apiPort(c.spec.Params)
			if err != nil {
				return nil, err
			}
			c.state.Endpoint = "https://" + netip.AddrPortFrom(netip.MustParseAddr(n.Address), port).String()
			return engine.Result{"endpoint": c.state.Endpoint}, nil
		}
	}
	return nil, engine.NewPermanentError("no control plane node has an address", nil).
		WithCode(engine.ErrCodeStageFailed).WithResource(c.doc.ID)
}

// apiPort reads the api_port parameter, 6443 when unset.
func apiPort(params map[string]interface{}) (uint16, error) {
	port := paramInt(params, "api_port", 6443)
	if port < 1 || port > 65535 {
		return 0, engine.NewPermanentError(fmt.Sprintf("api_port %d is outside 1-65535", port), nil).
			WithCode(engine.ErrCodeValidation)
	}
	return uint16(port), nil
}

// scaleOut adds workers. The last reservation grows in place when the
// addresses after it are free; otherwise a new range is reserved.
func (c *cluster) scaleOut(ctx context.Context, call *engine.Call) (engine.Result, error) {
	var req clusterRequest
	if err := call.Decode(&req); err != nil {
		return nil, invalidPayload(call.Session.Operation, err)
	}
	if req.Workers <= c.state.Workers {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("scale requires more than %d workers, got %d", c.state.Workers, req.Workers), nil).
			WithCode(engine.ErrCodeValidation).WithOperation(call.Session.Operation)
	}
	if len(c.state.Ranges) == 0 {
		return nil, engine.NewPermanentError("cluster has no reservation to extend", nil).
			WithCode(engine.ErrCodeStageFailed).WithResource(c.doc.ID)
	}

	added := req.Workers - c.state.Workers
	last := &c.state.Ranges[len(c.state.Ranges)-1]
	mode := "extended"

	end, err := netip.ParseAddr(last.End)
	if err != nil {
		return nil, engine.NewPermanentError("corrupt range end in state", err).WithCode(engine.ErrCodeInternal)
	}
	newEnd := end
	for i := 0; i < added; i++ {
		newEnd = newEnd.Next()
	}

	rr, err := c.deps.Networks.ExtendRangeEnd(ctx, c.state.Network, last.ID, newEnd)
	switch {
	case err == nil:
		last.End = rr.End.String()
	case engine.HasCode(err, engine.ErrCodeRangeConflict):
		ranges, rerr := c.deps.Networks.Reserve(ctx, c.state.Network, c.doc.ID, added)
		if rerr != nil {
			return nil, rerr
		}
		for _, r := range ranges {
			c.state.Ranges = append(c.state.Ranges, clusterRange{ID: r.ID, Start: r.Start.String(), End: r.End.String()})
		}
		mode = "reserved"
	default:
		return nil, err
	}

	for i := c.state.Workers; i < req.Workers; i++ {
		c.state.Nodes = append(c.state.Nodes, clusterNode{Name: fmt.Sprintf("%s-worker-%d", c.doc.ID, i), Role: RoleWorker})
	}
	c.state.Workers = req.Workers

	c.logger.WithField("added", added).WithField("mode", mode).Info("Cluster scaled out")
	return engine.Result{"added": added, "workers": c.state.Workers, "mode": mode}, nil
}

// deleteVMs removes every machine of the cluster.
func (c *cluster) deleteVMs(ctx context.Context, _ *engine.Call) (engine.Result, error) {
	n := len(c.vmIDs())
	if err := c.deleteMachines(ctx); err != nil {
		return nil, err
	}
	return engine.Result{"deleted": n}, nil
}

// releaseAddresses returns every reservation of the cluster.
func (c *cluster) releaseAddresses(ctx context.Context, _ *engine.Call) (engine.Result, error) {
	released := len(c.state.Ranges)
	if err := c.release(ctx); err != nil {
		return nil, err
	}
	return engine.Result{"released": released}, nil
}

func (c *cluster) vmIDs() []string {
	var ids []string
	for _, n := range c.state.Nodes {
		if n.VMID != "" {
			ids = append(ids, n.VMID)
		}
	}
	return ids
}

func (c *cluster) deleteMachines(ctx context.Context) error {
	ids := c.vmIDs()
	if len(ids) == 0 {
		return nil
	}
	if err := c.deps.Executor.Delete(ctx, c.doc.ID, ids); err != nil {
		return err
	}
	for i := range c.state.Nodes {
		c.state.Nodes[i].VMID = ""
	}
	return nil
}

func (c *cluster) release(ctx context.Context) error {
	if c.state.Network == "" {
		return nil
	}
	if _, err := c.deps.Networks.ReleaseOwner(ctx, c.state.Network, c.doc.ID); err != nil {
		return err
	}
	c.state.Ranges = nil
	c.state.Nodes = nil
	c.state.Endpoint = ""
	return nil
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
