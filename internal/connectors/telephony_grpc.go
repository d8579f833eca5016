package connectors

import (
	"context"
	"fmt"
	"time"

	"github.com/xela07ax/voca-engine/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Методы сервиса телефонии voca-connect. Полезная нагрузка - google.protobuf.Struct,
// поэтому сгенерированный клиент не нужен.
const (
	telephonyService     = "/voca.connect.v1.TelephonyService/"
	methodCreateInstance = telephonyService + "CreateInstance"
	methodCreateFlow     = telephonyService + "CreateFlow"
	methodAssignNumber   = telephonyService + "AssignNumber"
	methodDeployIntegr   = telephonyService + "DeployIntegration"
	methodDeleteInstance = telephonyService + "DeleteInstance"
	methodDeliver        = telephonyService + "Deliver"
)

type TelephonyGRPC struct {
	conn        grpc.ClientConnInterface
	callTimeout time.Duration
}

// DialTelephony открывает соединение с сервисом телефонии.
// В реальном проде адрес будет из конфига или Service Discovery
func DialTelephony(addr string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to telephony service: %w", err)
	}
	return conn, nil
}

// NewTelephonyGRPC создает экземпляр адаптера
func NewTelephonyGRPC(conn grpc.ClientConnInterface) *TelephonyGRPC {
	return &TelephonyGRPC{conn: conn, callTimeout: 15 * time.Second}
}

func (a *TelephonyGRPC) invoke(ctx context.Context, method string, req map[string]any) (map[string]any, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create proto struct: %v", domain.ErrValidation, err)
	}

	// Даже если ReliabilityWrapper имеет свой предел, адаптер должен иметь свой
	ctx, cancel := context.WithTimeout(ctx, a.callTimeout)
	defer cancel()

	out := &structpb.Struct{}
	if err := a.conn.Invoke(ctx, method, in, out); err != nil {
		return nil, Classify("telephony", method[len(telephonyService):], err)
	}
	return out.AsMap(), nil
}

// Provision создает инстанс, контакт-флоу, номер и интеграцию по очереди.
// При сбое на любом шаге возвращает уже созданные ресурсы вместе с ошибкой.
func (a *TelephonyGRPC) Provision(ctx context.Context, spec ChannelSpec, rec StepRecorder) (TelephonyResources, error) {
	var res TelephonyResources

	out, err := a.invoke(ctx, methodCreateInstance, map[string]any{
		"agent_id":      spec.AgentID,
		"channel_id":    spec.ChannelID,
		"alias":         spec.VendorID + "-" + string(spec.Type),
		"business_type": spec.BusinessType,
	})
	if err != nil {
		return res, err
	}
	res.InstanceID = str(out, "instance_id")
	if res.InstanceID == "" {
		return res, &ProvisionError{Backend: "telephony", Op: "CreateInstance", Cause: fmt.Errorf("empty instance_id")}
	}
	rec.Step("create_instance", map[string]any{"instance_id": res.InstanceID})

	out, err = a.invoke(ctx, methodCreateFlow, map[string]any{
		"instance_id":  res.InstanceID,
		"channel_type": string(spec.Type),
		"agent_name":   spec.AgentName,
	})
	if err != nil {
		return res, err
	}
	res.RoutingID = str(out, "routing_id")
	rec.Step("create_flow", map[string]any{"routing_id": res.RoutingID})

	out, err = a.invoke(ctx, methodAssignNumber, map[string]any{
		"instance_id": res.InstanceID,
		"routing_id":  res.RoutingID,
	})
	if err != nil {
		return res, err
	}
	res.PhoneNumber = str(out, "phone_number")
	rec.Step("assign_number", map[string]any{"phone_number": res.PhoneNumber})

	out, err = a.invoke(ctx, methodDeployIntegr, map[string]any{
		"instance_id": res.InstanceID,
		"webhook_url": spec.WebhookURL,
	})
	if err != nil {
		return res, err
	}
	res.IntegrationRef = str(out, "integration_ref")
	rec.Step("deploy_integration", map[string]any{"integration_ref": res.IntegrationRef})

	return res, nil
}

func (a *TelephonyGRPC) Deprovision(ctx context.Context, instanceID string) error {
	_, err := a.invoke(ctx, methodDeleteInstance, map[string]any{"instance_id": instanceID})
	return err
}

// Handle реализует MessageHandler для voice/sms.
func (a *TelephonyGRPC) Handle(ctx context.Context, d Dispatch) (string, error) {
	out, err := a.invoke(ctx, methodDeliver, map[string]any{
		"instance_id": d.ExternalRef,
		"agent_id":    d.AgentID,
		"channel":     string(d.Channel),
		"user_id":     d.UserID,
		"text":        d.Text,
		"trace_id":    d.TraceID,
		"metadata":    d.Metadata,
	})
	if err != nil {
		return "", err
	}
	return str(out, "reply"), nil
}

func str(m map[string]any, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}
