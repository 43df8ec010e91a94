package httpapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/twilio/twilio-go/client"

	"github.com/rendis/wajourney/pkg/schema"
)

const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// inboundForm is the subset of the Twilio WhatsApp webhook we consume.
type inboundForm struct {
	From            string `validate:"required,startswith=whatsapp:"`
	To              string `validate:"required"`
	Body            string
	MessageSid      string `validate:"required"`
	NumMedia        int    `validate:"min=0,max=10"`
	ButtonPayload   string
	ButtonText      string
	InteractiveData string `validate:"omitempty,json"`
}

func parseInboundForm(form url.Values) inboundForm {
	numMedia, _ := strconv.Atoi(form.Get("NumMedia"))
	return inboundForm{
		From:            form.Get("From"),
		To:              form.Get("To"),
		Body:            form.Get("Body"),
		MessageSid:      form.Get("MessageSid"),
		NumMedia:        numMedia,
		ButtonPayload:   form.Get("ButtonPayload"),
		ButtonText:      form.Get("ButtonText"),
		InteractiveData: form.Get("InteractiveData"),
	}
}

func (f inboundForm) payload(form url.Values, receivedAt time.Time) (schema.InboundPayload, error) {
	p := schema.InboundPayload{
		From:       f.From,
		To:         f.To,
		Body:       f.Body,
		MessageSID: f.MessageSid,
		ReceivedAt: receivedAt,
	}
	for i := range f.NumMedia {
		if u := form.Get(fmt.Sprintf("MediaUrl%d", i)); u != "" {
			p.MediaURLs = append(p.MediaURLs, u)
		}
	}

	switch {
	case f.InteractiveData != "":
		var data schema.InteractiveData
		if err := json.Unmarshal([]byte(f.InteractiveData), &data); err != nil {
			return p, badRequest("InteractiveData: " + err.Error())
		}
		p.InteractiveData = &data
	case f.ButtonPayload != "":
		p.InteractiveData = &schema.InteractiveData{
			Type:        "button_reply",
			ButtonID:    f.ButtonPayload,
			ButtonTitle: f.ButtonText,
		}
	}
	return p, nil
}

// handleInboundWebhook turns a provider webhook into a process_inbound job.
// The reply is returned as soon as the job is stored.
func (s *Server) handleInboundWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		writeError(w, badRequest("invalid form body: "+err.Error()))
		return
	}

	if s.deps.WebhookAuthToken != "" {
		fullURL := strings.TrimRight(s.deps.PublicURL, "/") + r.URL.RequestURI()
		if !validTwilioSignature(s.deps.WebhookAuthToken, fullURL, r.PostForm, r.Header.Get("X-Twilio-Signature")) {
			writeJSON(w, http.StatusForbidden, errorBody{Code: schema.ErrCodeValidation, Message: "invalid webhook signature"})
			return
		}
	}

	form := parseInboundForm(r.PostForm)
	if err := s.validate.Struct(form); err != nil {
		writeError(w, err)
		return
	}
	payload, err := form.payload(r.PostForm, time.Now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}

	jobID, err := s.deps.Enqueuer.Enqueue(ctx, schema.JobProcessInbound, payload, time.Time{}, schema.JobProcessInbound.DefaultPriority())
	if err != nil {
		s.deps.Logger.Error("failed to enqueue inbound message",
			slog.String("message_sid", payload.MessageSID),
			slog.String("error", err.Error()),
		)
		writeError(w, err)
		return
	}
	s.deps.Logger.Debug("inbound message queued",
		slog.String("message_sid", payload.MessageSID),
		slog.String("job_id", jobID),
	)

	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, emptyTwiML)
}

// validTwilioSignature checks X-Twilio-Signature with the SDK validator,
// which also accepts the URL with or without its default port.
func validTwilioSignature(token, fullURL string, form url.Values, signature string) bool {
	if signature == "" {
		return false
	}
	params := make(map[string]string, len(form))
	for k := range form {
		params[k] = form.Get(k)
	}
	validator := client.NewRequestValidator(token)
	return validator.Validate(fullURL, params, signature)
}
