package secrets

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

type fakeAWSClient struct {
	out   *secretsmanager.GetSecretValueOutput
	err   error
	calls int
}

func (c *fakeAWSClient) GetSecretValue(_ context.Context, _ *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return c.out, nil
}

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestEnvProvider(t *testing.T) {
	t.Parallel()

	p := NewEnv(envMap(map[string]string{"LEASE_DSN": "  postgres://x  "}))
	got, err := p.Get(context.Background(), "LEASE_DSN")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "postgres://x" {
		t.Fatalf("value mismatch: got %q", got)
	}
	if _, err := p.Get(context.Background(), "MISSING"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAWSProvider(t *testing.T) {
	t.Parallel()

	p, err := NewAWSWithClient(&fakeAWSClient{
		out: &secretsmanager.GetSecretValueOutput{SecretString: strPtr(" secret ")},
	})
	if err != nil {
		t.Fatalf("NewAWSWithClient: %v", err)
	}
	got, err := p.Get(context.Background(), "arn:aws:secretsmanager:us-east-1:123:secret:lease-token")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "secret" {
		t.Fatalf("secret mismatch: got %q", got)
	}

	empty, _ := NewAWSWithClient(&fakeAWSClient{out: &secretsmanager.GetSecretValueOutput{}})
	if _, err := empty.Get(context.Background(), "id"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for empty secret, got %v", err)
	}
	if _, err := NewAWSWithClient(nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for nil client, got %v", err)
	}
}

func TestResolver(t *testing.T) {
	t.Parallel()

	aws := &fakeAWSClient{out: &secretsmanager.GetSecretValueOutput{SecretString: strPtr("from-aws")}}
	awsBuilds := 0
	r := NewResolver(NewEnv(envMap(map[string]string{"TOKEN": "from-env"})), func(context.Context) (Provider, error) {
		awsBuilds++
		return NewAWSWithClient(aws)
	})
	ctx := context.Background()

	cases := []struct {
		ref  string
		want string
	}{
		{ref: "", want: ""},
		{ref: "plain-value", want: "plain-value"},
		{ref: "env:TOKEN", want: "from-env"},
		{ref: "aws-sm:lease/token", want: "from-aws"},
		{ref: " aws-sm:lease/token ", want: "from-aws"},
	}
	for _, tc := range cases {
		got, err := r.Resolve(ctx, tc.ref)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", tc.ref, err)
		}
		if got != tc.want {
			t.Fatalf("Resolve(%q): got %q want %q", tc.ref, got, tc.want)
		}
	}
	if awsBuilds != 1 || aws.calls != 2 {
		t.Fatalf("aws provider built %d times, called %d times", awsBuilds, aws.calls)
	}

	if _, err := r.Resolve(ctx, "env:NOPE"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing env ref: %v", err)
	}
}

func TestResolver_AWSSetupFailure(t *testing.T) {
	t.Parallel()

	boom := errors.New("no credentials")
	r := NewResolver(nil, func(context.Context) (Provider, error) { return nil, boom })
	if _, err := r.Resolve(context.Background(), "aws-sm:x"); !errors.Is(err, boom) {
		t.Fatalf("expected setup error, got %v", err)
	}
}

func strPtr(v string) *string { return &v }
