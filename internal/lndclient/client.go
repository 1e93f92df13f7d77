// Package lndclient connects the hold engine to an lnd node: it feeds
// intercepted HTLCs into the gate, relays resolutions back, streams block
// heights to the expiry watchdog and reports the node identity.
package lndclient

import (
	"context"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"log"
	"os"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"holdd/internal/config"
)

const maxGRPCMsgSize = 32 * 1024 * 1024

type Client struct {
	cfg    config.NodeConfig
	logger *log.Logger
}

func New(cfg config.NodeConfig, logger *log.Logger) *Client {
	return &Client{cfg: cfg, logger: logger}
}

type macaroonCredential struct {
	macaroon string
}

func (m macaroonCredential) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{"macaroon": m.macaroon}, nil
}

func (m macaroonCredential) RequireTransportSecurity() bool {
	return true
}

func (c *Client) Dial(ctx context.Context) (*grpc.ClientConn, error) {
	tlsCert, err := os.ReadFile(c.cfg.TLSCertPath)
	if err != nil {
		return nil, err
	}
	certPool := x509.NewCertPool()
	if ok := certPool.AppendCertsFromPEM(tlsCert); !ok {
		return nil, fmt.Errorf("failed to parse node TLS cert")
	}

	macBytes, err := os.ReadFile(c.cfg.MacaroonPath)
	if err != nil {
		return nil, err
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(credentials.NewClientTLSFromCert(certPool, "")),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(maxGRPCMsgSize)),
		grpc.WithPerRPCCredentials(macaroonCredential{hex.EncodeToString(macBytes)}),
	}

	return grpc.DialContext(ctx, c.cfg.GRPCHost, opts...)
}
