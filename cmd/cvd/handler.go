package main

import (
	"context"

	"github.com/cookos/cook/pkg/container"
	"github.com/cookos/cook/pkg/errkind"
	"github.com/cookos/cook/pkg/layers"
	"github.com/cookos/cook/pkg/policy"
	"github.com/cookos/cook/pkg/rpc"
)

// cvdHandler adapts container.Manager to rpctransport.Handler, resolving
// each create_params' wire-shape layers and policy selector into the
// component F/B types Manager.Create expects. SendBuildEvent/
// SendArtifactEvent have no container-daemon meaning; cvd only ever
// answers them so a generic client doesn't see an unimplemented method,
// logging anything that does arrive.
type cvdHandler struct {
	containers    *container.Manager
	defaultPolicy string
	customPaths   []policy.PathRule
	logger        logger
}

type logger interface {
	Warnf(format string, args ...interface{})
}

func (h *cvdHandler) Create(ctx context.Context, p rpc.CreateParams) (string, error) {
	layerList, err := toLayers(p.Layers)
	if err != nil {
		return "", err
	}

	pol, err := policy.Resolve(p.Policy.Profiles, h.defaultPolicy, h.customPaths)
	if err != nil {
		return "", err
	}

	c, err := h.containers.Create(ctx, container.CreateRequest{
		ID:     p.ID,
		Layers: layerList,
		Policy: pol,
	})
	if err != nil {
		return "", err
	}
	return c.ID, nil
}

func (h *cvdHandler) Spawn(ctx context.Context, p rpc.SpawnParams) (int, error) {
	return h.containers.Spawn(ctx, p)
}

func (h *cvdHandler) Transfer(ctx context.Context, p rpc.FileParams) error {
	return h.containers.Transfer(ctx, p)
}

func (h *cvdHandler) SendBuildEvent(ctx context.Context, ev rpc.BuildEvent) error {
	h.logger.Warnf("cvd: received build_event for %s, container daemon does not track builds", ev.ID)
	return nil
}

func (h *cvdHandler) SendArtifactEvent(ctx context.Context, ev rpc.ArtifactEvent) error {
	h.logger.Warnf("cvd: received artifact_event for %s, container daemon does not track builds", ev.ID)
	return nil
}

var layerKinds = map[string]layers.Kind{
	"base_rootfs":    layers.BaseRootfs,
	"vafs_package":   layers.VafsPackage,
	"host_directory": layers.HostDirectory,
	"overlay":        layers.Overlay,
}

func toLayers(wire []rpc.LayerParams) ([]layers.Layer, error) {
	out := make([]layers.Layer, 0, len(wire))
	for i, l := range wire {
		kind, ok := layerKinds[l.Kind]
		if !ok {
			return nil, errkind.New(errkind.InvalidArgument, "layer %d: unknown kind %q", i, l.Kind)
		}
		out = append(out, layers.Layer{
			Kind: kind, Path: l.Path, Upper: l.Upper, Lower: l.Lower,
			Target: l.Target, Readonly: l.Readonly,
		})
	}
	return out, nil
}
