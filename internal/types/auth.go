package types

import "time"

// AuthFlowState is the status of one interactive authorization attempt
type AuthFlowState string

const (
	AuthFlowPending    AuthFlowState = "pending"
	AuthFlowAuthorized AuthFlowState = "authorized"
	AuthFlowFailed     AuthFlowState = "failed"
	AuthFlowTimeout    AuthFlowState = "timeout"
)

// Terminal reports whether no further transitions are possible
func (s AuthFlowState) Terminal() bool {
	return s != AuthFlowPending
}

// AuthHandle is returned when an authorization flow starts
type AuthHandle struct {
	URL   string `json:"url"`
	Token string `json:"token"`
}

// AuthStatus is the pollable state of an authorization flow. It never carries credentials.
type AuthStatus struct {
	Token      string        `json:"token"`
	Remote     string        `json:"remote"`
	Provider   string        `json:"provider"`
	State      AuthFlowState `json:"state"`
	URL        string        `json:"url,omitempty"`
	RemoteID   string        `json:"remoteId,omitempty"`
	Message    string        `json:"message,omitempty"`
	Expiry     *time.Time    `json:"expiry,omitempty"`
	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt *time.Time    `json:"finishedAt,omitempty"`
}

func (s *AuthStatus) Headers() []string {
	return []string{"Remote", "Provider", "State", "Message"}
}

func (s *AuthStatus) Rows() [][]string {
	msg := s.Message
	if msg == "" {
		msg = "-"
	}
	return [][]string{{s.Remote, s.Provider, string(s.State), msg}}
}

func (s *AuthStatus) EmptyMessage() string {
	return "No authorization flow"
}
