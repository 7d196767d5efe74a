package models

import "time"

// Body types accepted in MailRequest.Body.Type.
const (
	BodyTypeText = "text"
	BodyTypeHTML = "html"
)

// MessageBody carries the content of a mail request.
type MessageBody struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// MailRequest is the wire form of a delivery request, used by the HTTP
// endpoint and the Kafka intake topic.
type MailRequest struct {
	MessageID string            `json:"message_id"`
	TraceID   string            `json:"trace_id,omitempty"`
	TenantID  string            `json:"tenant_id,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	From      string            `json:"from"`
	FromName  string            `json:"from_name,omitempty"`
	To        []string          `json:"to"`
	Subject   string            `json:"subject"`
	Body      MessageBody       `json:"body"`
	Headers   map[string]string `json:"headers,omitempty"`
	Meta      map[string]string `json:"meta,omitempty"`
}
