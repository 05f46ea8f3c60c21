// Package paramstore reads the backend token and runtime flags from AWS SSM
// Parameter Store.
package paramstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ssmAPI is the subset of *ssm.Client used here.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
	GetParameters(ctx context.Context, in *ssm.GetParametersInput, optFns ...func(*ssm.Options)) (*ssm.GetParametersOutput, error)
}

// Getter is what the backend client depends on for its token.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// maxBatch is the SSM limit on names per GetParameters call.
const maxBatch = 10

// Flags are runtime switches that override environment defaults when the
// parameter exists. A nil field means the parameter is absent.
type Flags struct {
	TaskBridge *bool
	Streaming  *bool
}

type Client struct {
	api ssmAPI
}

func New(api ssmAPI) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	return &Client{api: api}, nil
}

func (c *Client) GetParameter(ctx context.Context, name string) (string, error) {
	if c.api == nil {
		return "", errors.New("paramstore: client not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("paramstore: name is required")
	}

	out, err := c.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &name,
		WithDecryption: boolPtr(true),
	})
	if err != nil {
		return "", fmt.Errorf("paramstore: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", errors.New("paramstore: parameter missing value")
	}
	return *out.Parameter.Value, nil
}

// GetParameters fetches names in batches. Parameters that do not exist are
// left out of the result rather than reported as errors.
func (c *Client) GetParameters(ctx context.Context, names ...string) (map[string]string, error) {
	if c.api == nil {
		return nil, errors.New("paramstore: client not initialized")
	}
	var clean []string
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			clean = append(clean, n)
		}
	}

	values := make(map[string]string, len(clean))
	for start := 0; start < len(clean); start += maxBatch {
		batch := clean[start:min(start+maxBatch, len(clean))]
		out, err := c.api.GetParameters(ctx, &ssm.GetParametersInput{
			Names:          batch,
			WithDecryption: boolPtr(true),
		})
		if err != nil {
			return nil, fmt.Errorf("paramstore: get parameters: %w", err)
		}
		if out == nil {
			continue
		}
		for _, p := range out.Parameters {
			if p.Name != nil && p.Value != nil {
				values[*p.Name] = *p.Value
			}
		}
	}
	return values, nil
}

// FlagParameterNames returns the flag parameter names under prefix.
func FlagParameterNames(prefix string) (taskBridge, streaming string) {
	prefix = strings.TrimRight(strings.TrimSpace(prefix), "/")
	return prefix + "/config/task_bridge", prefix + "/config/streaming"
}

// LoadFlags reads the runtime flags under prefix. Unparseable values are
// reported so a typo does not silently flip a switch.
func (c *Client) LoadFlags(ctx context.Context, prefix string) (Flags, error) {
	taskName, streamName := FlagParameterNames(prefix)
	values, err := c.GetParameters(ctx, taskName, streamName)
	if err != nil {
		return Flags{}, err
	}

	var flags Flags
	if flags.TaskBridge, err = parseFlag(values, taskName); err != nil {
		return Flags{}, err
	}
	if flags.Streaming, err = parseFlag(values, streamName); err != nil {
		return Flags{}, err
	}
	return flags, nil
}

func parseFlag(values map[string]string, name string) (*bool, error) {
	raw, ok := values[name]
	if !ok {
		return nil, nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("paramstore: parameter %q is not a boolean: %w", name, err)
	}
	return &v, nil
}

func boolPtr(b bool) *bool { return &b }
