package server

import (
	"context"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi/types"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConnectionsAPI struct {
	mu       sync.Mutex
	endpoint string
	inputs   []*apigatewaymanagementapi.PostToConnectionInput
	err      error
}

func (f *fakeConnectionsAPI) PostToConnection(ctx context.Context, in *apigatewaymanagementapi.PostToConnectionInput, optFns ...func(*apigatewaymanagementapi.Options)) (*apigatewaymanagementapi.PostToConnectionOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return nil, f.err
	}
	return &apigatewaymanagementapi.PostToConnectionOutput{}, nil
}

func TestManagementAPICachesClientPerEndpoint(t *testing.T) {
	var created []*fakeConnectionsAPI
	api := NewManagementAPIWithFactory(func(endpoint string) ConnectionsAPI {
		c := &fakeConnectionsAPI{endpoint: endpoint}
		created = append(created, c)
		return c
	})
	ctx := context.Background()

	prod := Endpoint{DomainName: testDomain, Stage: "prod"}
	dev := Endpoint{DomainName: testDomain, Stage: "dev"}

	require.NoError(t, api.PostToConnection(ctx, Connection{ID: "a", Endpoint: prod}, []byte("1")))
	require.NoError(t, api.PostToConnection(ctx, Connection{ID: "b", Endpoint: prod}, []byte("2")))
	require.NoError(t, api.PostToConnection(ctx, Connection{ID: "c", Endpoint: dev}, []byte("3")))

	require.Len(t, created, 2)
	assert.Equal(t, "https://"+testDomain+"/prod", created[0].endpoint)
	assert.Equal(t, "https://"+testDomain+"/dev", created[1].endpoint)

	require.Len(t, created[0].inputs, 2)
	assert.Equal(t, "b", aws.ToString(created[0].inputs[1].ConnectionId))
	assert.Equal(t, []byte("2"), created[0].inputs[1].Data)
}

func TestManagementAPIRequiresEndpoint(t *testing.T) {
	api := NewManagementAPIWithFactory(func(string) ConnectionsAPI { return &fakeConnectionsAPI{} })
	err := api.PostToConnection(context.Background(), Connection{ID: "a"}, []byte("x"))
	assert.ErrorIs(t, err, ErrPushRejected)
}

func TestClassifyPushError(t *testing.T) {
	assert.NoError(t, classifyPushError("c1", nil))

	gone := classifyPushError("c1", &types.GoneException{Message: aws.String("gone")})
	assert.ErrorIs(t, gone, ErrConnectionGone)

	for _, err := range []error{
		&types.ForbiddenException{Message: aws.String("no")},
		&types.PayloadTooLargeException{Message: aws.String("big")},
		&types.LimitExceededException{Message: aws.String("slow down")},
	} {
		assert.ErrorIs(t, classifyPushError("c1", err), ErrPushRejected)
	}

	other := classifyPushError("c1", errors.New("dial tcp: timeout"))
	assert.NotErrorIs(t, other, ErrPushRejected)
	assert.NotErrorIs(t, other, ErrConnectionGone)
	assert.Contains(t, other.Error(), "post to connection c1")
}

func TestManagementAPIMapsGone(t *testing.T) {
	api := NewManagementAPIWithFactory(func(string) ConnectionsAPI {
		return &fakeConnectionsAPI{err: &types.GoneException{Message: aws.String("gone")}}
	})
	err := api.PostToConnection(context.Background(), Connection{ID: "a", Endpoint: Endpoint{DomainName: testDomain}}, []byte("x"))
	assert.ErrorIs(t, err, ErrConnectionGone)
}
