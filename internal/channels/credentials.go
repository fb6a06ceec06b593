package channels

import (
	"fmt"
	"strings"

	"omnigate/internal/domain"
	"omnigate/internal/signature"
)

const DefaultGraphBaseURL = "https://graph.facebook.com/v18.0"

// Credentials is the decrypted form of ChannelAccount.Credentials. Each
// channel uses its own subset.
type Credentials struct {
	AccessToken   string `json:"access_token,omitempty" yaml:"access_token"`
	AppSecret     string `json:"app_secret,omitempty" yaml:"app_secret"`
	VerifyToken   string `json:"verify_token,omitempty" yaml:"verify_token"`
	PhoneNumberID string `json:"phone_number_id,omitempty" yaml:"phone_number_id"`
	PageID        string `json:"page_id,omitempty" yaml:"page_id"`
	BaseURL       string `json:"base_url,omitempty" yaml:"base_url"`

	SMTPHost     string `json:"smtp_host,omitempty" yaml:"smtp_host"`
	SMTPPort     int    `json:"smtp_port,omitempty" yaml:"smtp_port"`
	IMAPHost     string `json:"imap_host,omitempty" yaml:"imap_host"`
	IMAPPort     int    `json:"imap_port,omitempty" yaml:"imap_port"`
	Username     string `json:"username,omitempty" yaml:"username"`
	Password     string `json:"password,omitempty" yaml:"password"`
	FromAddress  string `json:"from_address,omitempty" yaml:"from_address"`
	FromName     string `json:"from_name,omitempty" yaml:"from_name"`
	InsecureIMAP bool   `json:"insecure_imap,omitempty" yaml:"insecure_imap"`
}

func (c Credentials) GraphBaseURL() string {
	if c.BaseURL == "" {
		return DefaultGraphBaseURL
	}
	return strings.TrimRight(c.BaseURL, "/")
}

// Account is a channel account with its credentials opened for one call.
type Account struct {
	Meta  domain.ChannelAccount
	Creds Credentials
}

// Opener decrypts sealed credentials. crypto.Sealer implements it.
type Opener interface {
	OpenJSON(sealed []byte, v any) error
}

func OpenAccount(o Opener, acct domain.ChannelAccount) (Account, error) {
	var creds Credentials
	if len(acct.Credentials) > 0 {
		if err := o.OpenJSON(acct.Credentials, &creds); err != nil {
			return Account{}, fmt.Errorf("open credentials for %s: %w", acct.ID, err)
		}
	}
	return Account{Meta: acct, Creds: creds}, nil
}

// HubVerifier checks X-Hub-Signature-256 deliveries against the app secret.
// WhatsApp and Facebook embed it.
type HubVerifier struct{}

func (HubVerifier) VerifyDelivery(acct Account, body []byte, header string) bool {
	return signature.Verify(body, header, []byte(acct.Creds.AppSecret))
}

func (HubVerifier) VerifyToken(acct Account) string { return acct.Creds.VerifyToken }
