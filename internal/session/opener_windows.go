//go:build windows

package session

import (
	"context"
	"fmt"

	"splittunnel-engine/internal/adapterinv"
	"splittunnel-engine/internal/conntrack"
	"splittunnel-engine/internal/intercept"
	"splittunnel-engine/internal/logging"
	"splittunnel-engine/internal/model"
	"splittunnel-engine/internal/portresolve"
	"splittunnel-engine/internal/procid"
	"splittunnel-engine/internal/routemgr"
)

// NewWindowsDeps builds the default Deps for a Windows host: real
// adapter/route/connection-table implementations and an NDISAPI packet
// source filtering both the VPN and physical adapters. Unlike the
// teacher's single-adapter packet router, this engine needs delivery
// from both interfaces, so the opener starts the filter on each index
// in turn rather than once.
func NewWindowsDeps(log *logging.Logger) Deps {
	return Deps{
		Adapters:    adapterinv.NewWindowsInventory(),
		Routes:      routemgr.NewWindowsManager(log),
		Enumerator:  conntrack.NewWindowsEnumerator(),
		PortQuerier: portresolve.NewWindowsQuerier(),
		PidResolver: procid.NewWindowsResolver(),
		OpenSource:  openNdisSource,
	}
}

func openNdisSource(ctx context.Context, vpn, phys model.AdapterInfo, log *logging.Logger) (intercept.Source, error) {
	src, err := intercept.NewNdisSource(ctx, vpn.IfIndex, phys.IfIndex, log)
	if err != nil {
		return nil, err
	}

	if err := src.StartFilter(int(vpn.IfIndex)); err != nil {
		src.Close()
		return nil, fmt.Errorf("session: start filter on VPN adapter %d: %w", vpn.IfIndex, err)
	}
	if err := src.StartFilter(int(phys.IfIndex)); err != nil {
		src.Close()
		return nil, fmt.Errorf("session: start filter on physical adapter %d: %w", phys.IfIndex, err)
	}

	return src, nil
}
