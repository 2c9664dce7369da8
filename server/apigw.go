package server

import (
	"context"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi/types"
	"github.com/pkg/errors"
)

// ConnectionsAPI is the subset of the API Gateway management client used to
// push frames.
type ConnectionsAPI interface {
	PostToConnection(ctx context.Context, in *apigatewaymanagementapi.PostToConnectionInput, optFns ...func(*apigatewaymanagementapi.Options)) (*apigatewaymanagementapi.PostToConnectionOutput, error)
}

// ManagementAPI pushes payloads through the API Gateway management API of the
// gateway each connection came from. Clients are cached per endpoint.
type ManagementAPI struct {
	newClient func(endpoint string) ConnectionsAPI

	mu      sync.Mutex
	clients map[string]ConnectionsAPI
}

// NewManagementAPI loads the default AWS configuration (environment, shared
// files, Lambda execution role).
func NewManagementAPI(ctx context.Context) (*ManagementAPI, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load aws config")
	}
	return NewManagementAPIFromConfig(cfg), nil
}

func NewManagementAPIFromConfig(cfg aws.Config) *ManagementAPI {
	return NewManagementAPIWithFactory(func(endpoint string) ConnectionsAPI {
		return apigatewaymanagementapi.NewFromConfig(cfg, func(o *apigatewaymanagementapi.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	})
}

func NewManagementAPIWithFactory(newClient func(endpoint string) ConnectionsAPI) *ManagementAPI {
	return &ManagementAPI{
		newClient: newClient,
		clients:   make(map[string]ConnectionsAPI),
	}
}

func (m *ManagementAPI) client(ep Endpoint) ConnectionsAPI {
	url := ep.URL()

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.clients[url]
	if !ok {
		c = m.newClient(url)
		m.clients[url] = c
	}
	return c
}

// PostToConnection implements Pusher.
func (m *ManagementAPI) PostToConnection(ctx context.Context, conn Connection, payload []byte) error {
	if conn.Endpoint.DomainName == "" {
		return errors.Wrapf(ErrPushRejected, "connection %s has no management endpoint", conn.ID)
	}

	_, err := m.client(conn.Endpoint).PostToConnection(ctx, &apigatewaymanagementapi.PostToConnectionInput{
		ConnectionId: aws.String(conn.ID),
		Data:         payload,
	})
	return classifyPushError(conn.ID, err)
}

func classifyPushError(id string, err error) error {
	if err == nil {
		return nil
	}

	var (
		gone      *types.GoneException
		forbidden *types.ForbiddenException
		tooLarge  *types.PayloadTooLargeException
		limited   *types.LimitExceededException
	)
	switch {
	case errors.As(err, &gone):
		return errors.Wrapf(ErrConnectionGone, "connection %s: %v", id, err)
	case errors.As(err, &forbidden), errors.As(err, &tooLarge), errors.As(err, &limited):
		return errors.Wrapf(ErrPushRejected, "connection %s: %v", id, err)
	}
	return errors.Wrapf(err, "post to connection %s", id)
}
