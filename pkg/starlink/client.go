package starlink

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/fullstorydev/grpcurl"
	"github.com/jhump/protoreflect/grpcreflect"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/reflection/grpc_reflection_v1alpha"

	"github.com/markus-lassfolk/locationd/pkg/logx"
)

// Config addresses the dish's local gRPC API
type Config struct {
	Host    string        `json:"host"`
	Port    int           `json:"port"`
	Timeout time.Duration `json:"timeout"`
}

func DefaultConfig() *Config {
	return &Config{Host: "192.168.100.1", Port: 9200, Timeout: 10 * time.Second}
}

// APIMethod is a request field of the dish's Handle RPC
type APIMethod string

const (
	MethodGetStatus   APIMethod = "get_status"
	MethodGetLocation APIMethod = "get_location"
)

const handleRPC = "SpaceX.API.Device.Device/Handle"

// Caller performs one Handle request and returns the JSON response
type Caller interface {
	CallMethod(ctx context.Context, method APIMethod) (string, error)
}

// Client talks to the dish using server reflection, so no compiled
// SpaceX protos are needed
type Client struct {
	config *Config
	logger *logx.Logger
}

func NewClient(config *Config, logger *logx.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	return &Client{config: config, logger: logger}
}

func (c *Client) Address() string {
	return net.JoinHostPort(c.config.Host, strconv.Itoa(c.config.Port))
}

func (c *Client) CallMethod(ctx context.Context, method APIMethod) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	conn, err := grpc.DialContext(ctx, c.Address(),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return "", fmt.Errorf("failed to connect to Starlink API: %w", err)
	}
	defer conn.Close()

	refClient := grpcreflect.NewClient(ctx, grpc_reflection_v1alpha.NewServerReflectionClient(conn))
	defer refClient.Reset()
	descSource := grpcurl.DescriptorSourceFromServer(ctx, refClient)
	resolver := grpcurl.AnyResolverFromDescriptorSource(descSource)

	requestReader := grpcurl.NewJSONRequestParser(strings.NewReader(fmt.Sprintf(`{"%s":{}}`, method)), resolver)

	var out strings.Builder
	handler := &grpcurl.DefaultEventHandler{
		Out:            &out,
		Formatter:      grpcurl.NewJSONFormatter(false, resolver),
		VerbosityLevel: 0,
	}

	if err := grpcurl.InvokeRPC(ctx, descSource, conn, handleRPC, nil, handler, requestReader.Next); err != nil {
		return "", fmt.Errorf("gRPC %s failed: %w", method, err)
	}
	if handler.Status != nil && handler.Status.Err() != nil {
		return "", fmt.Errorf("gRPC %s: %w", method, handler.Status.Err())
	}

	c.logger.Trace("starlink_call", "method", string(method), "bytes", out.Len())
	return out.String(), nil
}

// Reachable dials the dish without issuing a request
func (c *Client) Reachable(ctx context.Context) bool {
	d := net.Dialer{Timeout: 2 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", c.Address())
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
