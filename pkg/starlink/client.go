package starlink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fullstorydev/grpcurl"
	"github.com/jhump/protoreflect/grpcreflect"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/reflection/grpc_reflection_v1alpha"

	"github.com/markus-lassfolk/locator/pkg/logx"
)

// APIMethod is a request name accepted by the dish Handle RPC
type APIMethod string

const (
	MethodGetStatus   APIMethod = "get_status"
	MethodGetLocation APIMethod = "get_location"
)

const handleMethod = "SpaceX.API.Device.Device/Handle"

// ErrNoFix is returned when the dish reports no usable position
var ErrNoFix = errors.New("starlink: no position fix")

// Caller performs one API call and returns the JSON reply
type Caller func(ctx context.Context, method APIMethod) (string, error)

// Client talks to the dish gRPC API through server reflection
type Client struct {
	addr    string
	timeout time.Duration
	logger  *logx.Logger
	call    Caller
}

// NewClient creates a client for host:port
func NewClient(host string, port int, timeout time.Duration, logger *logx.Logger) *Client {
	c := &Client{
		addr:    fmt.Sprintf("%s:%d", host, port),
		timeout: timeout,
		logger:  logger,
	}
	c.call = c.callReflection
	return c
}

// DefaultClient uses the standard dish address
func DefaultClient(logger *logx.Logger) *Client {
	return NewClient("192.168.100.1", 9200, 10*time.Second, logger)
}

// WithCaller replaces the transport; used by tests and proxies
func (c *Client) WithCaller(call Caller) *Client {
	c.call = call
	return c
}

// Addr returns the dish address
func (c *Client) Addr() string {
	return c.addr
}

// CallMethod invokes one API method and returns the JSON response
func (c *Client) CallMethod(ctx context.Context, method APIMethod) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := c.call(ctx, method)
	c.logger.LogDebugVerbose("starlink_call", map[string]interface{}{
		"method":   string(method),
		"duration": time.Since(start).String(),
		"ok":       err == nil,
	})
	return resp, err
}

func (c *Client) callReflection(ctx context.Context, method APIMethod) (string, error) {
	conn, err := grpc.DialContext(ctx, c.addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return "", fmt.Errorf("failed to connect to dish at %s: %w", c.addr, err)
	}
	defer conn.Close()

	refClient := grpcreflect.NewClient(ctx, grpc_reflection_v1alpha.NewServerReflectionClient(conn))
	defer refClient.Reset()
	descSource := grpcurl.DescriptorSourceFromServer(ctx, refClient)
	resolver := grpcurl.AnyResolverFromDescriptorSource(descSource)

	request := fmt.Sprintf(`{"%s":{}}`, string(method))
	parser := grpcurl.NewJSONRequestParser(strings.NewReader(request), resolver)

	var out strings.Builder
	handler := &grpcurl.DefaultEventHandler{
		Out:       &out,
		Formatter: grpcurl.NewJSONFormatter(false, resolver),
	}

	if err := grpcurl.InvokeRPC(ctx, descSource, conn, handleMethod, nil, handler, parser.Next); err != nil {
		return "", fmt.Errorf("%s call failed: %w", method, err)
	}
	if handler.Status != nil && handler.Status.Err() != nil {
		return "", fmt.Errorf("%s call failed: %w", method, handler.Status.Err())
	}

	return out.String(), nil
}

// GetLocation returns the dish position
func (c *Client) GetLocation(ctx context.Context) (*Fix, error) {
	resp, err := c.CallMethod(ctx, MethodGetLocation)
	if err != nil {
		return nil, err
	}

	var lr LocationResponse
	if err := json.Unmarshal([]byte(resp), &lr); err != nil {
		return nil, fmt.Errorf("failed to parse location response: %w", err)
	}

	lla := lr.GetLocation.LLA
	if lla.Lat == 0 && lla.Lon == 0 {
		return nil, ErrNoFix
	}

	return &Fix{
		Latitude:  lla.Lat,
		Longitude: lla.Lon,
		Altitude:  lla.Alt,
		SigmaM:    lr.GetLocation.SigmaM,
		Source:    lr.GetLocation.Source,
		Timestamp: time.Now(),
	}, nil
}

// GetGPSStatus returns the receiver state from get_status
func (c *Client) GetGPSStatus(ctx context.Context) (*GPSStatus, error) {
	resp, err := c.CallMethod(ctx, MethodGetStatus)
	if err != nil {
		return nil, err
	}

	var sr StatusResponse
	if err := json.Unmarshal([]byte(resp), &sr); err != nil {
		return nil, fmt.Errorf("failed to parse status response: %w", err)
	}

	gs := sr.DishGetStatus.GPSStats
	return &GPSStatus{Valid: gs.GPSValid, Satellites: gs.GPSSats, Inhibited: gs.InhibitGPS}, nil
}
