package tools

import (
	"fmt"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// TwilioMessages sends SMS/WhatsApp messages through the Twilio REST API.
type TwilioMessages struct {
	client *twilio.RestClient
}

func NewTwilioMessages(client *twilio.RestClient) *TwilioMessages {
	return &TwilioMessages{client: client}
}

func (t *TwilioMessages) Send(to, from, body string) error {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(from)
	params.SetBody(body)
	if _, err := t.client.Api.CreateMessage(params); err != nil {
		return fmt.Errorf("send message to %s: %w", to, err)
	}
	return nil
}

// TwilioCalls redirects live calls by updating their TwiML.
type TwilioCalls struct {
	client *twilio.RestClient
}

func NewTwilioCalls(client *twilio.RestClient) *TwilioCalls {
	return &TwilioCalls{client: client}
}

func (t *TwilioCalls) Redirect(callSid, twiml string) error {
	params := &twilioApi.UpdateCallParams{}
	params.SetTwiml(twiml)
	if _, err := t.client.Api.UpdateCall(callSid, params); err != nil {
		return fmt.Errorf("redirect call %s: %w", callSid, err)
	}
	return nil
}
