package smtpd

import (
	"context"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ultrazend/ultrazend/internal/config"
	"github.com/ultrazend/ultrazend/internal/domain"
	"github.com/ultrazend/ultrazend/internal/pipeline"
	"github.com/ultrazend/ultrazend/internal/storage"
)

type fakeLookup struct {
	owned map[string]string // domain → tenant ID
}

func (f *fakeLookup) TenantForDomain(_ context.Context, name string) (*domain.SendingDomain, error) {
	if tid, ok := f.owned[name]; ok {
		return &domain.SendingDomain{ID: "d1", TenantID: tid, Name: name}, nil
	}
	return nil, domain.NewAPIError(domain.CodeNotFound, "domain not found")
}

type fakeSuppression struct {
	added []*domain.Suppression
}

func (f *fakeSuppression) Check(_ context.Context, _, _ string) (bool, domain.SuppressionReason, error) {
	return false, "", nil
}

func (f *fakeSuppression) Add(_ context.Context, sup *domain.Suppression) error {
	f.added = append(f.added, sup)
	return nil
}

type fakeSubmitter struct {
	got *pipeline.SubmitRequest
	err error
}

func (f *fakeSubmitter) Submit(_ context.Context, req *pipeline.SubmitRequest) (*pipeline.SubmitResult, error) {
	f.got = req
	if f.err != nil {
		return nil, f.err
	}
	return &pipeline.SubmitResult{Email: &domain.Email{ID: "e1", State: domain.EmailQueued}}, nil
}

type fakeCreds struct {
	valid map[string]*domain.Tenant // api key → tenant
}

func (f *fakeCreds) Resolve(_ context.Context, presented string) (*domain.Tenant, *domain.APIKey, error) {
	if t, ok := f.valid[presented]; ok {
		return t, &domain.APIKey{ID: "k1", TenantID: t.ID}, nil
	}
	return nil, nil, domain.NewAPIError(domain.CodeUnauthenticated, "invalid key")
}

func newTestIngestor(t *testing.T, lookup *fakeLookup, sup *fakeSuppression) (*Ingestor, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := storage.New(db, storage.Postgres{})
	return NewIngestor(pipeline.NewEmailStore(store), sup, lookup, nil), mock
}

func newTestServer(t *testing.T, lookup *fakeLookup, sub *fakeSubmitter, creds *fakeCreds) *Server {
	t.Helper()
	ing, _ := newTestIngestor(t, lookup, &fakeSuppression{})
	return NewServer(config.SMTPConfig{
		MXPort: 2525, SubmissionPort: 2587,
		ConnectTimeoutSeconds: 5, CommandTimeoutSeconds: 5,
		MaxMessageBytes: 1 << 20,
	}, "mail.ultrazend.example", sub, creds, nil, ing, nil)
}

const dsnMessage = "From: MAILER-DAEMON@remote.example\r\n" +
	"To: bounces@acme.example\r\n" +
	"Subject: Undelivered Mail Returned to Sender\r\n" +
	"Content-Type: multipart/report; report-type=delivery-status; boundary=\"B\"\r\n" +
	"\r\n" +
	"--B\r\n" +
	"Content-Type: message/delivery-status\r\n" +
	"\r\n" +
	"Reporting-MTA: dns; remote.example\r\n" +
	"Final-Recipient: rfc822; gone@remote.example\r\n" +
	"Action: failed\r\n" +
	"Status: 5.1.1\r\n" +
	"Diagnostic-Code: smtp; 550 5.1.1 unknown user\r\n" +
	"--B--\r\n"

const arfMessage = "From: abuse@mailbox-provider.example\r\n" +
	"To: complaints@acme.example\r\n" +
	"Subject: Abuse report\r\n" +
	"Content-Type: multipart/report; report-type=feedback-report; boundary=\"B\"\r\n" +
	"\r\n" +
	"--B\r\n" +
	"Content-Type: message/feedback-report\r\n" +
	"\r\n" +
	"Feedback-Type: abuse\r\n" +
	"Original-Recipient: rfc822; complainer@mailbox-provider.example\r\n" +
	"--B--\r\n"

func TestParseReportDSN(t *testing.T) {
	msg, err := readMessage([]byte(dsnMessage))
	require.NoError(t, err)

	report := parseReport(msg)
	require.NotNil(t, report)
	assert.Equal(t, reportDSN, report.Kind)
	assert.Equal(t, "failed", report.Action)
	assert.Equal(t, "5.1.1", report.Status)
	assert.Equal(t, "gone@remote.example", report.Recipient)
	assert.Contains(t, report.Detail, "unknown user")

	result := report.classify()
	assert.True(t, result.Suppress)
	assert.Equal(t, domain.ReasonHardBounce, result.Reason)
}

func TestParseReportARF(t *testing.T) {
	msg, err := readMessage([]byte(arfMessage))
	require.NoError(t, err)

	report := parseReport(msg)
	require.NotNil(t, report)
	assert.Equal(t, reportARF, report.Kind)
	assert.Equal(t, "abuse", report.Feedback)
	assert.Equal(t, "complainer@mailbox-provider.example", report.Recipient)

	result := report.classify()
	assert.True(t, result.Suppress)
	assert.Equal(t, domain.ReasonComplaint, result.Reason)
}

func TestParseReportOrdinaryMail(t *testing.T) {
	msg, err := readMessage([]byte("From: a@b.example\r\nSubject: hi\r\n\r\nhello\r\n"))
	require.NoError(t, err)
	assert.Nil(t, parseReport(msg))
}

func TestIngestDSNSuppressesRecipient(t *testing.T) {
	sup := &fakeSuppression{}
	ing, mock := newTestIngestor(t, &fakeLookup{}, sup)
	mock.ExpectExec("INSERT INTO emails").WillReturnResult(sqlmock.NewResult(1, 1))

	err := ing.Ingest(context.Background(), "t1", "",
		[]string{"bounces@acme.example"}, []byte(dsnMessage))
	require.NoError(t, err)

	require.Len(t, sup.added, 1)
	assert.Equal(t, "gone@remote.example", sup.added[0].Email)
	assert.Equal(t, domain.ReasonHardBounce, sup.added[0].Reason)
	assert.Equal(t, domain.SourceDSN, sup.added[0].Source)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIngestOrdinaryMailOnlyPersists(t *testing.T) {
	sup := &fakeSuppression{}
	ing, mock := newTestIngestor(t, &fakeLookup{}, sup)
	mock.ExpectExec("INSERT INTO emails").WillReturnResult(sqlmock.NewResult(1, 1))

	err := ing.Ingest(context.Background(), "t1", "sender@remote.example",
		[]string{"inbox@acme.example"},
		[]byte("From: sender@remote.example\r\nSubject: hello\r\n\r\nbody\r\n"))
	require.NoError(t, err)
	assert.Empty(t, sup.added)
}

func TestMXRcptRejectsUnknownDomain(t *testing.T) {
	lookup := &fakeLookup{owned: map[string]string{"acme.example": "t1"}}
	ing, _ := newTestIngestor(t, lookup, &fakeSuppression{})
	srv := NewServer(config.SMTPConfig{}, "mail.ultrazend.example", nil, nil, nil, ing, nil)
	sess := &Session{backend: &Backend{server: srv, submission: false}}

	require.NoError(t, sess.Rcpt("inbox@acme.example", nil))

	err := sess.Rcpt("someone@elsewhere.example", nil)
	var smtpErr *smtp.SMTPError
	require.ErrorAs(t, err, &smtpErr)
	assert.Equal(t, 550, smtpErr.Code)
}

func TestSubmissionRequiresAuth(t *testing.T) {
	srv := newTestServer(t, &fakeLookup{}, &fakeSubmitter{}, &fakeCreds{})
	sess := &Session{backend: &Backend{server: srv, submission: true}}

	err := sess.Mail("a@acme.example", nil)
	assert.ErrorIs(t, err, smtp.ErrAuthRequired)
}

func TestSubmissionDataEntersPipeline(t *testing.T) {
	sub := &fakeSubmitter{}
	srv := newTestServer(t, &fakeLookup{}, sub, &fakeCreds{})
	sess := &Session{
		backend:       &Backend{server: srv, submission: true},
		authenticated: true,
		tenant:        &domain.Tenant{ID: "t1", Plan: domain.PlanPro},
		remoteIP:      "203.0.113.9",
	}

	require.NoError(t, sess.Mail("alerts@acme.example", nil))
	require.NoError(t, sess.Rcpt("ops@dest.example", nil))

	msg := "Subject: CPU alert\r\nReply-To: noc@acme.example\r\n\r\nCPU > 95%\r\n"
	require.NoError(t, sess.Data(strings.NewReader(msg)))

	require.NotNil(t, sub.got)
	assert.Equal(t, "t1", sub.got.TenantID)
	assert.Equal(t, domain.PlanPro, sub.got.Plan)
	assert.Equal(t, "alerts@acme.example", sub.got.From)
	assert.Equal(t, []string{"ops@dest.example"}, sub.got.To)
	assert.Equal(t, "CPU alert", sub.got.Subject)
	assert.Equal(t, "CPU > 95%\r\n", sub.got.Text)
	assert.Equal(t, "noc@acme.example", sub.got.Headers["Reply-To"])
	assert.Equal(t, "203.0.113.9", sub.got.SourceIP)
}

func TestSubmissionRateLimitMapsTo452(t *testing.T) {
	sub := &fakeSubmitter{err: domain.NewAPIError(domain.CodeRateLimited, "rate limit exceeded")}
	srv := newTestServer(t, &fakeLookup{}, sub, &fakeCreds{})
	sess := &Session{
		backend:       &Backend{server: srv, submission: true},
		authenticated: true,
		tenant:        &domain.Tenant{ID: "t1"},
	}
	require.NoError(t, sess.Mail("a@acme.example", nil))
	require.NoError(t, sess.Rcpt("b@dest.example", nil))

	err := sess.Data(strings.NewReader("Subject: s\r\n\r\nx\r\n"))
	var smtpErr *smtp.SMTPError
	require.ErrorAs(t, err, &smtpErr)
	assert.Equal(t, 452, smtpErr.Code)
}

func TestParseSubmissionHTML(t *testing.T) {
	parsed, err := parseSubmission([]byte(
		"Subject: s\r\nContent-Type: text/html; charset=UTF-8\r\n\r\n<p>hi</p>\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "<p>hi</p>\r\n", parsed.html)
	assert.Empty(t, parsed.text)
}

func TestMXAcceptsEmptyReversePath(t *testing.T) {
	lookup := &fakeLookup{owned: map[string]string{"acme.example": "t1"}}
	ing, _ := newTestIngestor(t, lookup, &fakeSuppression{})
	srv := NewServer(config.SMTPConfig{}, "mail.ultrazend.example", nil, nil, nil, ing, nil)
	sess := &Session{backend: &Backend{server: srv, submission: false}}

	assert.NoError(t, sess.Mail("", nil))
}

func TestAuthMechanismsHiddenWithoutTLS(t *testing.T) {
	srv := newTestServer(t, &fakeLookup{}, &fakeSubmitter{}, &fakeCreds{})
	srv.tlsConfig = nil // no TLS configured: mechanisms offered (dev mode)
	sess := &Session{backend: &Backend{server: srv, submission: true}}
	assert.NotEmpty(t, sess.AuthMechanisms())

	mxSess := &Session{backend: &Backend{server: srv, submission: false}}
	assert.Empty(t, mxSess.AuthMechanisms())
}
