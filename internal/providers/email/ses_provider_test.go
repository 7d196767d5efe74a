package email_test

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/rs/zerolog"

	"github.com/example/relaykit/internal/config"
	emailprovider "github.com/example/relaykit/internal/providers/email"
	"github.com/example/relaykit/internal/retry"
)

type fakeSES struct {
	inputs []*sesv2.SendEmailInput
	err    error
}

func (f *fakeSES) SendEmail(_ context.Context, in *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return nil, f.err
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("ses-0001")}, nil
}

func sesResponseError(status int) error {
	return &awshttp.ResponseError{
		ResponseError: &smithyhttp.ResponseError{
			Response: &smithyhttp.Response{Response: &http.Response{StatusCode: status}},
			Err:      &smithy.GenericAPIError{Code: "Throttling", Message: "slow down"},
		},
	}
}

func TestSESProviderSendBuildsSimpleMessage(t *testing.T) {
	api := &fakeSES{}
	provider, err := emailprovider.NewSESProvider(context.Background(), config.AWSConfig{Region: "eu-west-1"},
		emailprovider.SESDefaultChain, zerolog.Nop(), emailprovider.WithSESClient(api), emailprovider.WithSESName("ses_iam"))
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	if provider.Name() != "ses_iam" || provider.Ready() != nil {
		t.Fatalf("unexpected provider state name=%q ready=%v", provider.Name(), provider.Ready())
	}

	resp, err := provider.Send(context.Background(), smtpPayload())
	if err != nil {
		t.Fatalf("unexpected send error: %v", err)
	}
	if resp.ID != "ses-0001" || resp.Code != 200 {
		t.Fatalf("unexpected response %+v", resp)
	}

	if len(api.inputs) != 1 {
		t.Fatalf("expected one SendEmail call, got %d", len(api.inputs))
	}
	in := api.inputs[0]
	if got := aws.ToString(in.FromEmailAddress); got != `"Relay Kit" <noreply@example.com>` {
		t.Fatalf("unexpected from %q", got)
	}
	if len(in.Destination.ToAddresses) != 1 || in.Destination.ToAddresses[0] != "user@example.com" {
		t.Fatalf("unexpected destination %v", in.Destination.ToAddresses)
	}
	simple := in.Content.Simple
	if aws.ToString(simple.Subject.Data) != "Welcome aboard" {
		t.Fatalf("unexpected subject %q", aws.ToString(simple.Subject.Data))
	}
	if simple.Body.Text == nil || simple.Body.Html == nil {
		t.Fatalf("expected both text and html bodies")
	}
}

func TestSESProviderStaticKeysMissingIsNotReady(t *testing.T) {
	api := &fakeSES{}
	provider, err := emailprovider.NewSESProvider(context.Background(), config.AWSConfig{AccessKeyID: "AKIA"},
		emailprovider.SESStaticKeys, zerolog.Nop(), emailprovider.WithSESClient(api))
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	if !errors.Is(provider.Ready(), emailprovider.ErrNotConfigured) {
		t.Fatalf("expected not configured, got %v", provider.Ready())
	}
	if _, err := provider.Send(context.Background(), smtpPayload()); err == nil {
		t.Fatalf("expected send to refuse when not ready")
	}
	if len(api.inputs) != 0 {
		t.Fatalf("transport must not be called when not ready")
	}
}

func TestSESProviderErrorClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
		want retry.Kind
	}{
		{name: "throttled", err: sesResponseError(http.StatusTooManyRequests), code: 429, want: retry.KindTransient},
		{name: "server error", err: sesResponseError(http.StatusServiceUnavailable), code: 503, want: retry.KindTransient},
		{name: "rejected", err: sesResponseError(http.StatusBadRequest), code: 400, want: retry.KindFatal},
		{name: "client fault", err: &smithy.GenericAPIError{Code: "MessageRejected", Message: "bad", Fault: smithy.FaultClient}, want: retry.KindFatal},
		{name: "server fault", err: &smithy.GenericAPIError{Code: "InternalFailure", Message: "oops", Fault: smithy.FaultServer}, want: retry.KindTransient},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			provider, err := emailprovider.NewSESProvider(context.Background(), config.AWSConfig{}, emailprovider.SESDefaultChain,
				zerolog.Nop(), emailprovider.WithSESClient(&fakeSES{err: tc.err}))
			if err != nil {
				t.Fatalf("unexpected constructor error: %v", err)
			}

			resp, err := provider.Send(context.Background(), smtpPayload())
			if err == nil {
				t.Fatalf("expected error")
			}
			if resp == nil || resp.Code != tc.code {
				t.Fatalf("expected code %d, got %+v", tc.code, resp)
			}
			if got := retry.Classify(err); got != tc.want {
				t.Fatalf("Classify(%v) = %s, want %s", err, got, tc.want)
			}
		})
	}
}
