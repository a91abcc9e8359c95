package paramstore

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/require"
)

// fakeAPI is a simple fake implementing ssmAPI for tests. It serves pages in
// order and records every input.
type fakeAPI struct {
	pages  []*ssm.GetParametersByPathOutput
	err    error
	inputs []*ssm.GetParametersByPathInput
}

func (f *fakeAPI) GetParametersByPath(_ context.Context, in *ssm.GetParametersByPathInput, _ ...func(*ssm.Options)) (*ssm.GetParametersByPathOutput, error) {
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.pages) == 0 {
		return &ssm.GetParametersByPathOutput{}, nil
	}
	out := f.pages[0]
	f.pages = f.pages[1:]
	return out, nil
}

func param(name, value string) types.Parameter {
	return types.Parameter{Name: aws.String(name), Value: aws.String(value)}
}

func TestGetByPath_HappyPath(t *testing.T) {
	api := &fakeAPI{pages: []*ssm.GetParametersByPathOutput{
		{
			Parameters: []types.Parameter{param("/chat/prod/fanout/max_concurrency", "20")},
			NextToken:  aws.String("next"),
		},
		{
			Parameters: []types.Parameter{
				param("/chat/prod/log_level", "debug"),
				{Name: aws.String("/chat/prod/broken")},
			},
		},
	}}
	client, err := New(api)
	require.NoError(t, err)

	values, err := client.GetByPath(context.Background(), "chat/prod/")
	require.NoError(t, err)
	require.Equal(t, map[string]string{
		"fanout/max_concurrency": "20",
		"log_level":              "debug",
	}, values)

	require.Len(t, api.inputs, 2)
	require.Equal(t, "/chat/prod", aws.ToString(api.inputs[0].Path))
	require.True(t, aws.ToBool(api.inputs[0].Recursive))
	require.True(t, aws.ToBool(api.inputs[0].WithDecryption))
	require.Equal(t, "next", aws.ToString(api.inputs[1].NextToken))
}

func TestGetByPath_Empty(t *testing.T) {
	client, err := New(&fakeAPI{})
	require.NoError(t, err)
	values, err := client.GetByPath(context.Background(), "/chat/dev")
	require.NoError(t, err)
	require.Empty(t, values)
}

func TestGetByPath_ApiError(t *testing.T) {
	client, err := New(&fakeAPI{err: errors.New("boom")})
	require.NoError(t, err)
	_, err = client.GetByPath(context.Background(), "/chat/prod")
	require.Error(t, err)
	require.ErrorContains(t, err, "boom")
}

func TestGetByPath_ClientNotInitialized(t *testing.T) {
	_, err := (&Client{}).GetByPath(context.Background(), "/chat")
	require.Error(t, err)
	require.Contains(t, err.Error(), "not initialized")
}

func TestGetByPath_EmptyPrefix(t *testing.T) {
	client, err := New(&fakeAPI{})
	require.NoError(t, err)
	_, err = client.GetByPath(context.Background(), " / ")
	require.Error(t, err)
	require.Contains(t, err.Error(), "required")
}

func TestNew_NilAPI(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be nil")
}
