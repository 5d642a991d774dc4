package twilio

import (
	"context"
	"errors"

	"github.com/openline-hq/callbridge/pkg/errorsx"
	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

type callCreator interface {
	CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error)
}

type callUpdater interface {
	UpdateCall(sid string, params *api.UpdateCallParams) (*api.ApiV2010Call, error)
}

// Dialer places outbound calls via the Twilio REST API with answering
// machine detection enabled.
type Dialer struct {
	cfg    Config
	client callCreator
}

func NewDialer(cfg Config) *Dialer {
	return &Dialer{cfg: cfg.withDefaults()}
}

// PlaceCall creates an outbound call that fetches its call-control document
// from voiceURL. AMD runs asynchronously and reports to amdCallbackURL, so
// it never delays the media stream.
func (d *Dialer) PlaceCall(ctx context.Context, to, from, voiceURL, amdCallbackURL string) (string, error) {
	_ = ctx
	if to == "" || from == "" {
		return "", errorsx.Wrap(errors.New("to/from required"), errorsx.ReasonCallCreate)
	}
	if d.cfg.AccountSID == "" || d.cfg.AuthToken == "" {
		return "", errorsx.Wrap(errors.New("missing twilio credentials"), errorsx.ReasonCallCreate)
	}
	client := d.client
	if client == nil {
		rest := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: d.cfg.AccountSID,
			Password: d.cfg.AuthToken,
		})
		client = rest.Api
	}
	params := &api.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(from)
	params.SetUrl(voiceURL)
	params.SetMachineDetection("Enable")
	if amdCallbackURL != "" {
		params.SetAsyncAmd("true")
		params.SetAsyncAmdStatusCallback(amdCallbackURL)
		params.SetAsyncAmdStatusCallbackMethod("POST")
	}
	resp, err := client.CreateCall(params)
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonCallCreate)
	}
	if resp == nil || resp.Sid == nil {
		return "", errorsx.Wrap(errors.New("missing call sid"), errorsx.ReasonCallCreate)
	}
	return *resp.Sid, nil
}
