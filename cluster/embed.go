// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"fmt"
	"net/url"
	"time"

	"go.etcd.io/etcd/server/v3/embed"
)

// EmbedConfig configures an embedded etcd server for single-binary cluster
// deployments.
type EmbedConfig struct {
	Name string
	// DataDir is the etcd data directory.
	DataDir string
	// PeerAddr is the Raft listen address (host:port).
	PeerAddr string
	// ClientAddr is the KV client listen address (host:port).
	ClientAddr string
	// InitialCluster is the etcd initial cluster string
	// (name1=http://host1:port,...). Empty bootstraps a one-member cluster.
	InitialCluster string
	// Bootstrap marks this node as part of a new cluster rather than one
	// joining an existing cluster.
	Bootstrap bool
}

// StartEmbedded runs an embedded etcd server and returns it together with
// the client endpoint to dial.
func StartEmbedded(cfg EmbedConfig) (*embed.Etcd, string, error) {
	eCfg := embed.NewConfig()
	eCfg.Name = cfg.Name
	eCfg.Dir = cfg.DataDir

	peerURL, err := url.Parse("http://" + cfg.PeerAddr)
	if err != nil {
		return nil, "", fmt.Errorf("invalid peer address: %w", err)
	}
	eCfg.ListenPeerUrls = []url.URL{*peerURL}
	eCfg.AdvertisePeerUrls = []url.URL{*peerURL}

	clientURL, err := url.Parse("http://" + cfg.ClientAddr)
	if err != nil {
		return nil, "", fmt.Errorf("invalid client address: %w", err)
	}
	eCfg.ListenClientUrls = []url.URL{*clientURL}
	eCfg.AdvertiseClientUrls = []url.URL{*clientURL}

	if cfg.InitialCluster != "" {
		eCfg.InitialCluster = cfg.InitialCluster
	} else {
		eCfg.InitialCluster = fmt.Sprintf("%s=%s", cfg.Name, peerURL.String())
	}
	if cfg.Bootstrap {
		eCfg.ClusterState = embed.ClusterStateFlagNew
	} else {
		eCfg.ClusterState = embed.ClusterStateFlagExisting
	}

	eCfg.Logger = "zap"
	eCfg.LogLevel = "error"

	e, err := embed.StartEtcd(eCfg)
	if err != nil {
		return nil, "", fmt.Errorf("start embedded etcd: %w", err)
	}

	select {
	case <-e.Server.ReadyNotify():
	case <-time.After(60 * time.Second):
		e.Server.Stop()
		return nil, "", fmt.Errorf("embedded etcd took too long to start")
	}

	return e, clientURL.String(), nil
}
