// Package netres hands out exclusive IPv4 address ranges on shared networks.
//
// A network is a list of allocation pools. Reserve scans the pools in
// declaration order and each pool in ascending address order, so the same
// state and request sequence always produce the same ranges. Contiguous free
// addresses are coalesced into one ReservedRange; non-contiguous stretches
// yield several ranges with the same owner. A reservation either covers the
// full requested length or records nothing.
//
// Each reservation carries its own bitmap Pool from which consumers take
// single addresses with AssignAddress.
//
// All state sits behind one process-wide lock. Topology mutations spanning
// several calls go through WithLock, which also saves the layout and rolls
// back on failure:
//
//	err := reg.WithLock(ctx, func(tx *netres.Tx) error {
//	    ranges, err := tx.Reserve("mgmt", "edge-1", 4)
//	    if err != nil {
//	        return err
//	    }
//	    _, _, err = tx.AssignAddress("mgmt", ranges[0].ID)
//	    return err
//	})
//
// Never call Registry methods from inside WithLock; use the Tx.
package netres
