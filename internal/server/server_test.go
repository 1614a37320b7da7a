package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"dealflow/internal/config"
	"dealflow/internal/db"
	"dealflow/internal/engine"
	"dealflow/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	return newTestServerWith(t, AuthConfig{})
}

func newTestServerWith(t *testing.T, auth AuthConfig) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	handler, err := New(Config{Engine: e, Auth: auth})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func testCanonical() map[string]any {
	return map[string]any{
		"property": map[string]any{
			"lot_number": "95",
			"address":    "Fake Rise VIC 3336",
		},
		"purchaser_1": map[string]any{"full_name": "Jordan Example"},
		"solicitor":   map[string]any{"name": "Tessa Counsel", "email": "tessa@counsel-law.com.au"},
	}
}

func TestDealLifecycleOverAPI(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	createRes, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/deals", map[string]any{
		"canonical": testCanonical(),
	}, nil)
	if createRes.StatusCode != http.StatusCreated {
		t.Fatalf("create deal status %d: %s", createRes.StatusCode, string(data))
	}
	var created DealResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal deal: %v", err)
	}
	if created.DealID != "LOT95_FAKE_RISE_VIC_3336" {
		t.Fatalf("unexpected deal id %q", created.DealID)
	}
	if created.Status != "EOI_RECEIVED" {
		t.Fatalf("expected EOI_RECEIVED, got %s", created.Status)
	}
	dealID := created.DealID

	applyRes, applyBody := doJSON(t, client, http.MethodPost, srv.URL+"/v1/deals/"+dealID+"/events", map[string]any{
		"event":             "CONTRACT_FROM_VENDOR",
		"contract_version":  1,
		"contract_filename": "Contract_V1.pdf",
	}, nil)
	if applyRes.StatusCode != http.StatusOK {
		t.Fatalf("apply event status %d: %s", applyRes.StatusCode, string(applyBody))
	}
	var applied ApplyEventResponse
	if err := json.Unmarshal(applyBody, &applied); err != nil {
		t.Fatalf("unmarshal apply: %v", err)
	}
	if !applied.Applied {
		t.Fatalf("expected applied, got reason %q", applied.Reason)
	}
	if applied.Deal.Status != "CONTRACT_V1_RECEIVED" {
		t.Fatalf("expected CONTRACT_V1_RECEIVED, got %s", applied.Deal.Status)
	}

	autoSend := false
	passRes, passBody := doJSON(t, client, http.MethodPost, srv.URL+"/v1/deals/"+dealID+"/events", map[string]any{
		"event":                  "VALIDATION_PASSED",
		"auto_send_to_solicitor": autoSend,
	}, nil)
	if passRes.StatusCode != http.StatusOK {
		t.Fatalf("validation status %d: %s", passRes.StatusCode, string(passBody))
	}
	var passed ApplyEventResponse
	_ = json.Unmarshal(passBody, &passed)
	if passed.Deal.Status != "CONTRACT_V1_VALIDATED_OK" {
		t.Fatalf("expected CONTRACT_V1_VALIDATED_OK, got %s", passed.Deal.Status)
	}

	badRes, badBody := doJSON(t, client, http.MethodPost, srv.URL+"/v1/deals/"+dealID+"/events", map[string]any{
		"event": "DOCUSIGN_EXECUTED",
	}, nil)
	if badRes.StatusCode != http.StatusOK {
		t.Fatalf("invalid event status %d: %s", badRes.StatusCode, string(badBody))
	}
	var rejected ApplyEventResponse
	if err := json.Unmarshal(badBody, &rejected); err != nil {
		t.Fatalf("unmarshal rejection: %v", err)
	}
	if rejected.Applied {
		t.Fatalf("expected rejection, deal moved to %s", rejected.Deal.Status)
	}
	if rejected.Reason != "Invalid transition" {
		t.Fatalf("unexpected reason %q", rejected.Reason)
	}

	tlRes, tlBody := doJSON(t, client, http.MethodGet, srv.URL+"/v1/deals/"+dealID+"/timeline", nil, nil)
	if tlRes.StatusCode != http.StatusOK {
		t.Fatalf("timeline status %d: %s", tlRes.StatusCode, string(tlBody))
	}
	var timeline []EventResponse
	if err := json.Unmarshal(tlBody, &timeline); err != nil {
		t.Fatalf("unmarshal timeline: %v", err)
	}
	if len(timeline) == 0 || timeline[0].EventType != "DEAL_CREATED" {
		t.Fatalf("expected DEAL_CREATED first, got %+v", timeline)
	}
	var sawRejection bool
	for _, ev := range timeline {
		if ev.EventType == "DOCUSIGN_EXECUTED" && !ev.Success {
			sawRejection = true
		}
	}
	if !sawRejection {
		t.Fatalf("rejected attempt missing from timeline: %+v", timeline)
	}
}

func TestUnknownDealNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/deals/LOT1_NOWHERE", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
	var body struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("unmarshal error body: %v", err)
	}
	if body.Error.Code != "not_found" {
		t.Fatalf("expected not_found, got %q", body.Error.Code)
	}
}

func TestDuplicateDealConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	payload := map[string]any{"canonical": testCanonical()}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/deals", payload, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("first create: %d %s", res.StatusCode, string(data))
	}
	dup, dupBody := doJSON(t, client, http.MethodPost, srv.URL+"/v1/deals", payload, nil)
	if dup.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict, got %d %s", dup.StatusCode, string(dupBody))
	}
}

func TestSLARegisterPendingSweep(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	createRes, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/deals", map[string]any{
		"canonical": testCanonical(),
		"status":    "DOCUSIGN_RELEASED",
	}, nil)
	if createRes.StatusCode != http.StatusCreated {
		t.Fatalf("create deal: %d %s", createRes.StatusCode, string(data))
	}
	var created DealResponse
	_ = json.Unmarshal(data, &created)
	dealID := created.DealID

	regRes, regBody := doJSON(t, client, http.MethodPost, srv.URL+"/v1/deals/"+dealID+"/sla/register", map[string]any{
		"appointment_datetime": "2025-01-16T11:30:00+11:00",
	}, nil)
	if regRes.StatusCode != http.StatusOK {
		t.Fatalf("register sla: %d %s", regRes.StatusCode, string(regBody))
	}
	var reg RegisterSLAResponse
	if err := json.Unmarshal(regBody, &reg); err != nil {
		t.Fatalf("unmarshal register: %v", err)
	}
	if reg.SLADeadline != "2025-01-18T09:00:00+11:00" {
		t.Fatalf("unexpected deadline %q", reg.SLADeadline)
	}

	pendRes, pendBody := doJSON(t, client, http.MethodGet, srv.URL+"/v1/sla/pending?now=2025-01-19T00:00:00%2B11:00", nil, nil)
	if pendRes.StatusCode != http.StatusOK {
		t.Fatalf("pending: %d %s", pendRes.StatusCode, string(pendBody))
	}
	var pending []PendingSLAResponse
	if err := json.Unmarshal(pendBody, &pending); err != nil {
		t.Fatalf("unmarshal pending: %v", err)
	}
	if len(pending) != 1 || pending[0].DealID != dealID {
		t.Fatalf("expected %s pending, got %+v", dealID, pending)
	}

	sweepRes, sweepBody := doJSON(t, client, http.MethodPost, srv.URL+"/v1/sla/sweep", map[string]any{
		"now": "2025-01-19T00:00:00+11:00",
	}, nil)
	if sweepRes.StatusCode != http.StatusOK {
		t.Fatalf("sweep: %d %s", sweepRes.StatusCode, string(sweepBody))
	}
	var swept SweepResponse
	if err := json.Unmarshal(sweepBody, &swept); err != nil {
		t.Fatalf("unmarshal sweep: %v", err)
	}
	if len(swept.Fired) != 1 || swept.Fired[0] != dealID {
		t.Fatalf("expected %s fired, got %+v", dealID, swept.Fired)
	}

	dealRes, dealBody := doJSON(t, client, http.MethodGet, srv.URL+"/v1/deals/"+dealID, nil, nil)
	if dealRes.StatusCode != http.StatusOK {
		t.Fatalf("get deal: %d %s", dealRes.StatusCode, string(dealBody))
	}
	var after DealResponse
	_ = json.Unmarshal(dealBody, &after)
	if after.Status != "SLA_OVERDUE_ALERT_SENT" {
		t.Fatalf("expected SLA_OVERDUE_ALERT_SENT, got %s", after.Status)
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServerWith(t, AuthConfig{Enabled: true, JWTSecret: "test-secret"})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/deals", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}

	healthRes, healthBody := doJSON(t, client, http.MethodGet, srv.URL+"/health", nil, nil)
	if healthRes.StatusCode != http.StatusOK {
		t.Fatalf("health should stay open, got %d: %s", healthRes.StatusCode, string(healthBody))
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "tester"}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	okRes, okBody := doJSON(t, client, http.MethodGet, srv.URL+"/v1/deals", nil, map[string]string{
		"Authorization": "Bearer " + token,
	})
	if okRes.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d: %s", okRes.StatusCode, string(okBody))
	}

	badRes, badBody := doJSON(t, client, http.MethodGet, srv.URL+"/v1/deals", nil, map[string]string{
		"X-Api-Key": "not-a-real-key",
	})
	if badRes.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad key, got %d: %s", badRes.StatusCode, string(badBody))
	}

	whoRes, whoBody := doJSON(t, client, http.MethodGet, srv.URL+"/v1/whoami", nil, map[string]string{
		"Authorization": "Bearer " + token,
	})
	if whoRes.StatusCode != http.StatusOK {
		t.Fatalf("whoami: %d %s", whoRes.StatusCode, string(whoBody))
	}
	var who WhoAmIResponse
	if err := json.Unmarshal(whoBody, &who); err != nil {
		t.Fatalf("unmarshal whoami: %v", err)
	}
	if who.ActorID != "tester" || who.Source != "jwt" {
		t.Fatalf("unexpected principal %+v", who)
	}
}

func TestClassifyEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	raw := "From: contracts@buildwell.com.au\r\n" +
		"To: deals@dealflow.example\r\n" +
		"Subject: Contract Request - Lot 95 Fake Rise\r\n" +
		"\r\n" +
		"Hi team,\r\n" +
		"Please find attached the Contract for the purchasers.\r\n"
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/classify", map[string]any{
		"message": raw,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("classify: %d %s", res.StatusCode, string(data))
	}
	var result ClassifyResponse
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("unmarshal classify: %v", err)
	}
	if result.EventType != "CONTRACT_FROM_VENDOR" {
		t.Fatalf("expected CONTRACT_FROM_VENDOR, got %s", result.EventType)
	}
	if result.NeedsReview {
		t.Fatalf("expected confident classification, got %+v", result)
	}
}
