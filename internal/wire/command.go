package wire

import (
	"encoding/json"
	"fmt"
)

// User types accepted by the login handshake.
const (
	UserTypeSelf    = "SELF"
	UserTypePartner = "PARTNER"
)

// LoginCredentials feeds the post-connect authorisation message. Either
// ClientID+Token (self) or PartnerID+PartnerSecret must be set.
type LoginCredentials struct {
	ClientID      string
	Token         string
	PartnerID     string
	PartnerSecret string
}

// Partner reports whether the partner credential pair is in use.
func (c LoginCredentials) Partner() bool {
	return c.PartnerID != "" && c.PartnerSecret != ""
}

type loginReq struct {
	MsgCode  int    `json:"MsgCode"`
	ClientID string `json:"ClientId"`
	Token    string `json:"Token,omitempty"`
	Secret   string `json:"Secret,omitempty"`
}

type loginMessage struct {
	LoginReq loginReq `json:"LoginReq"`
	UserType string   `json:"UserType"`
}

// EncodeLogin builds the authorisation message that must be the first write
// on every channel after the transport opens.
func EncodeLogin(creds LoginCredentials) ([]byte, error) {
	msg := loginMessage{
		LoginReq: loginReq{MsgCode: LoginMsgCode},
		UserType: UserTypeSelf,
	}
	switch {
	case creds.Partner():
		msg.LoginReq.ClientID = creds.PartnerID
		msg.LoginReq.Secret = creds.PartnerSecret
		msg.UserType = UserTypePartner
	case creds.ClientID != "" && creds.Token != "":
		msg.LoginReq.ClientID = creds.ClientID
		msg.LoginReq.Token = creds.Token
	default:
		return nil, fmt.Errorf("login credentials incomplete: need client id + token or partner id + secret")
	}
	return json.Marshal(msg)
}

// SubscriptionEntry is one instrument inside a subscribe/unsubscribe command.
type SubscriptionEntry struct {
	ExchangeSegment string `json:"ExchangeSegment"`
	SecurityID      string `json:"SecurityId"`
}

type subscriptionRequest struct {
	RequestCode     int                 `json:"RequestCode"`
	InstrumentCount int                 `json:"InstrumentCount"`
	InstrumentList  []SubscriptionEntry `json:"InstrumentList"`
}

// EncodeSubscription builds the wire commands for one request code and a set
// of instruments, chunked at MaxInstrumentsPerRequest entries per command.
func EncodeSubscription(requestCode int, entries []SubscriptionEntry) ([][]byte, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	var out [][]byte
	for start := 0; start < len(entries); start += MaxInstrumentsPerRequest {
		end := start + MaxInstrumentsPerRequest
		if end > len(entries) {
			end = len(entries)
		}
		chunk := entries[start:end]
		payload, err := json.Marshal(subscriptionRequest{
			RequestCode:     requestCode,
			InstrumentCount: len(chunk),
			InstrumentList:  chunk,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to encode subscription request: %w", err)
		}
		out = append(out, payload)
	}
	return out, nil
}
