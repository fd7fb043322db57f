package mail

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecipients_ScalarAndListAreEquivalent(t *testing.T) {
	var scalar, list Message
	require.NoError(t, json.Unmarshal([]byte(`{"to":"a@example.com","subject":"hi"}`), &scalar))
	require.NoError(t, json.Unmarshal([]byte(`{"to":["a@example.com"],"subject":"hi"}`), &list))

	assert.Equal(t, list.To, scalar.To)
	assert.Equal(t, Recipients{"a@example.com"}, scalar.To)
}

func TestRecipients_DropsBlankEntries(t *testing.T) {
	var r Recipients
	require.NoError(t, json.Unmarshal([]byte(`["a@example.com", " ", "b@example.com"]`), &r))
	assert.Equal(t, Recipients{"a@example.com", "b@example.com"}, r)
}

func TestRecipients_RejectsOtherTypes(t *testing.T) {
	var r Recipients
	assert.Error(t, json.Unmarshal([]byte(`42`), &r))
	assert.Error(t, json.Unmarshal([]byte(`[1, 2]`), &r))
}

func TestMessageValidate(t *testing.T) {
	tests := []struct {
		name    string
		msg     *Message
		wantErr string
	}{
		{"nil message", nil, "Message object is required"},
		{"missing to", &Message{Subject: "s"}, `Message must include "to" and "subject" fields`},
		{"missing subject", &Message{To: Recipients{"a@example.com"}}, `Message must include "to" and "subject" fields`},
		{"attachment without filename", &Message{To: Recipients{"a@example.com"}, Subject: "s", Attachments: []Attachment{{Content: "x"}}}, "attachment 0 is missing a filename"},
		{"valid", &Message{To: Recipients{"a@example.com"}, Subject: "s"}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.wantErr, verr.Message)
		})
	}
}

func TestParseProvider(t *testing.T) {
	p, err := ParseProvider("gmail")
	require.NoError(t, err)
	assert.Equal(t, ProviderGmail, p)

	_, err = ParseProvider("")
	assert.EqualError(t, err, "Provider is required (gmail or sendgrid)")

	_, err = ParseProvider("mailgun")
	assert.EqualError(t, err, "Invalid provider: mailgun. Must be 'gmail' or 'sendgrid'")
}
