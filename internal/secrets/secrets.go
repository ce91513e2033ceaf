// Package secrets resolves secret references given on the command line:
// "env:NAME" reads an environment variable, "aws-sm:<secret-id>" reads AWS
// Secrets Manager, anything else is used literally.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

const (
	SchemeEnv = "env:"
	SchemeAWS = "aws-sm:"
)

var (
	ErrInvalidConfig = errors.New("secrets: invalid config")
	ErrNotFound      = errors.New("secrets: not found")
)

type Provider interface {
	Get(ctx context.Context, key string) (string, error)
}

type awsClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type AWSProvider struct {
	client awsClient
}

func NewAWS(ctx context.Context) (*AWSProvider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load aws config: %v", ErrInvalidConfig, err)
	}
	return NewAWSWithClient(secretsmanager.NewFromConfig(cfg))
}

func NewAWSWithClient(client awsClient) (*AWSProvider, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: nil secretsmanager client", ErrInvalidConfig)
	}
	return &AWSProvider{client: client}, nil
}

func (p *AWSProvider) Get(ctx context.Context, id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("%w: empty secret id", ErrInvalidConfig)
	}
	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: &id})
	if err != nil {
		return "", fmt.Errorf("secrets: get secret %q: %w", id, err)
	}
	if out.SecretString != nil {
		if v := strings.TrimSpace(*out.SecretString); v != "" {
			return v, nil
		}
	}
	if len(out.SecretBinary) > 0 {
		return string(out.SecretBinary), nil
	}
	return "", fmt.Errorf("%w: secret %q has no value", ErrNotFound, id)
}

// EnvProvider reads secrets from the environment through lookup.
type EnvProvider struct {
	lookup func(string) string
}

func NewEnv(lookup func(string) string) *EnvProvider {
	if lookup == nil {
		lookup = os.Getenv
	}
	return &EnvProvider{lookup: lookup}
}

func (p *EnvProvider) Get(_ context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: empty env name", ErrInvalidConfig)
	}
	v := strings.TrimSpace(p.lookup(name))
	if v == "" {
		return "", fmt.Errorf("%w: env %s is empty", ErrNotFound, name)
	}
	return v, nil
}

// Resolver dispatches references by scheme. The AWS provider is created on
// first use so that deployments without AWS credentials never touch it.
type Resolver struct {
	env Provider

	mu     sync.Mutex
	aws    Provider
	newAWS func(context.Context) (Provider, error)
}

func NewResolver(env Provider, newAWS func(context.Context) (Provider, error)) *Resolver {
	if env == nil {
		env = NewEnv(nil)
	}
	if newAWS == nil {
		newAWS = func(ctx context.Context) (Provider, error) { return NewAWS(ctx) }
	}
	return &Resolver{env: env, newAWS: newAWS}
}

// Resolve returns "" for an empty reference.
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	switch {
	case ref == "":
		return "", nil
	case strings.HasPrefix(ref, SchemeEnv):
		return r.env.Get(ctx, strings.TrimPrefix(ref, SchemeEnv))
	case strings.HasPrefix(ref, SchemeAWS):
		p, err := r.awsProvider(ctx)
		if err != nil {
			return "", err
		}
		return p.Get(ctx, strings.TrimPrefix(ref, SchemeAWS))
	default:
		return ref, nil
	}
}

func (r *Resolver) awsProvider(ctx context.Context) (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.aws != nil {
		return r.aws, nil
	}
	p, err := r.newAWS(ctx)
	if err != nil {
		return nil, err
	}
	r.aws = p
	return p, nil
}
