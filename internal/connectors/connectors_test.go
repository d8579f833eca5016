package connectors

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/voca-engine/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

// fakeTelephony - сервер voca-connect на bufconn без сгенерированного кода.
type fakeTelephony struct {
	mu       sync.Mutex
	calls    []string
	failStep string
}

func (f *fakeTelephony) handler(method string, out map[string]any) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(_ interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
			in := &structpb.Struct{}
			if err := dec(in); err != nil {
				return nil, err
			}
			f.mu.Lock()
			f.calls = append(f.calls, method)
			fail := f.failStep == method
			f.mu.Unlock()
			if fail {
				return nil, status.Error(codes.ResourceExhausted, "no numbers left in region")
			}
			if method == "Deliver" {
				return structpb.NewStruct(map[string]any{"reply": "echo: " + in.AsMap()["text"].(string)})
			}
			return structpb.NewStruct(out)
		},
	}
}

func startTelephony(t *testing.T, f *fakeTelephony) *TelephonyGRPC {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	srv.RegisterService(&grpc.ServiceDesc{
		ServiceName: "voca.connect.v1.TelephonyService",
		HandlerType: (*interface{})(nil),
		Methods: []grpc.MethodDesc{
			f.handler("CreateInstance", map[string]any{"instance_id": "inst-1"}),
			f.handler("CreateFlow", map[string]any{"routing_id": "flow-1"}),
			f.handler("AssignNumber", map[string]any{"phone_number": "+15550001"}),
			f.handler("DeployIntegration", map[string]any{"integration_ref": "arn:1"}),
			f.handler("DeleteInstance", map[string]any{}),
			f.handler("Deliver", nil),
		},
	}, struct{}{})
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewTelephonyGRPC(conn)
}

func TestTelephonyGRPC_ProvisionRecordsSteps(t *testing.T) {
	f := &fakeTelephony{}
	client := startTelephony(t, f)

	var steps []string
	res, err := client.Provision(context.Background(), ChannelSpec{AgentID: "a1", Type: domain.ChannelVoice},
		StepFunc(func(name string, _ map[string]any) { steps = append(steps, name) }))
	require.NoError(t, err)

	assert.Equal(t, TelephonyResources{InstanceID: "inst-1", RoutingID: "flow-1", PhoneNumber: "+15550001", IntegrationRef: "arn:1"}, res)
	assert.Equal(t, []string{"create_instance", "create_flow", "assign_number", "deploy_integration"}, steps)

	reply, err := client.Handle(context.Background(), Dispatch{ExternalRef: "inst-1", Text: "hi", Metadata: map[string]any{"k": "v"}})
	require.NoError(t, err)
	assert.Equal(t, "echo: hi", reply)
}

func TestTelephonyGRPC_PartialFailureKeepsInstance(t *testing.T) {
	f := &fakeTelephony{failStep: "AssignNumber"}
	client := startTelephony(t, f)

	res, err := client.Provision(context.Background(), ChannelSpec{AgentID: "a1", Type: domain.ChannelSMS}, NopRecorder)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUpstream)
	assert.Equal(t, int(codes.ResourceExhausted), UpstreamStatus(err))
	assert.Equal(t, "inst-1", res.InstanceID, "созданный инстанс должен вернуться для освобождения")
}

func TestVocaOSClient(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /agents", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		assert.Equal(t, "Shop Bot", body["name"])
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "ext-42"})
	})
	mux.HandleFunc("POST /agents/ext-42/platforms", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /agents/ext-42/message", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"response": "hello back"})
	})
	mux.HandleFunc("POST /agents/gone/stop", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown agent", http.StatusNotFound)
	})
	mux.HandleFunc("POST /agents/busy/stop", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	mux.HandleFunc("POST /agents/broken/stop", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewVocaOSClient(srv.URL+"/", nil)
	ctx := context.Background()

	id, err := c.CreateAgent(ctx, ChannelSpec{AgentName: "Shop Bot"})
	require.NoError(t, err)
	assert.Equal(t, "ext-42", id)
	require.NoError(t, c.ConfigurePlatform(ctx, id, domain.ChannelWhatsApp, "https://hooks/x"))

	reply, err := c.Handle(ctx, Dispatch{ExternalRef: id, Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hello back", reply)

	assert.NoError(t, c.StopAgent(ctx, "gone"))

	err = c.StopAgent(ctx, "busy")
	var te *ThrottleError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, 2*time.Second, te.RetryAfter)
	assert.ErrorIs(t, err, domain.ErrUpstream)

	err = c.StopAgent(ctx, "broken")
	assert.ErrorIs(t, err, domain.ErrUpstream)
	assert.Equal(t, http.StatusBadGateway, UpstreamStatus(err))
}

func TestClassify(t *testing.T) {
	assert.ErrorIs(t, Classify("b", "op", context.DeadlineExceeded), domain.ErrUpstreamTimeout)
	assert.ErrorIs(t, Classify("b", "op", status.Error(codes.DeadlineExceeded, "slow")), domain.ErrUpstreamTimeout)
	assert.ErrorIs(t, Classify("b", "op", status.Error(codes.InvalidArgument, "bad")), domain.ErrValidation)
	assert.ErrorIs(t, Classify("b", "op", context.Canceled), context.Canceled)
	assert.ErrorIs(t, Classify("b", "op", errors.New("refused")), domain.ErrUpstream)
	assert.NoError(t, Classify("b", "op", nil))
}

func TestMockTelephony_BlockUntilCancel(t *testing.T) {
	m := &MockTelephony{}
	m.BlockOn(domain.ChannelVoice)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := m.Provision(ctx, ChannelSpec{Type: domain.ChannelVoice}, NopRecorder)
	assert.ErrorIs(t, err, domain.ErrUpstreamTimeout)
	assert.Equal(t, 1, m.Calls("provision"))
}
