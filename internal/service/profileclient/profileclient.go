package profileclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
)

// JSON ответ сервиса профилей
type ProfileAnswer struct {
	Provider            string `json:"provider_id"`
	ProfileCompleteness int    `json:"profile_completeness"`
	VerificationStatus  string `json:"verification_status"`
}

const (
	VerificationStatusPending  = "pending"
	VerificationStatusApproved = "approved"
	VerificationStatusRejected = "rejected"
)

type ProfileClient interface {
	GetProfile(ctx context.Context, provider string) (ProfileAnswer, error)
	MeetsActivationPreconditions(ctx context.Context, provider string) (bool, error)
}

type profileClient struct {
	client    *resty.Client
	threshold int
}

func NewProfileClient(serviceAddr string, threshold int, timeout time.Duration) ProfileClient {
	client := resty.New().
		SetBaseURL(serviceAddr).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond)
	return profileClient{client: client, threshold: threshold}
}

func (client profileClient) GetProfile(ctx context.Context, provider string) (ProfileAnswer, error) {
	path := "/api/providers/" + url.PathEscape(provider) + "/activation"

	setresp, err := client.client.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		Get(path)
	if err != nil {
		return ProfileAnswer{}, err
	}

	switch setresp.StatusCode() {
	case http.StatusOK:
		var profileAnswer ProfileAnswer
		err = json.Unmarshal(setresp.Body(), &profileAnswer)
		return profileAnswer, err
	case http.StatusNotFound:
		// профиль не заполнен
		return ProfileAnswer{Provider: provider}, nil
	default:
		return ProfileAnswer{}, fmt.Errorf("profile request status: %d", setresp.StatusCode())
	}
}

// MeetsActivationPreconditions: профиль заполнен не меньше порога и верификация одобрена
func (client profileClient) MeetsActivationPreconditions(ctx context.Context, provider string) (bool, error) {
	profile, err := client.GetProfile(ctx, provider)
	if err != nil {
		return false, err
	}
	return profile.ProfileCompleteness >= client.threshold &&
		profile.VerificationStatus == VerificationStatusApproved, nil
}
