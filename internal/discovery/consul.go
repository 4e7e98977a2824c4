// Package discovery registers the services with Consul and resolves
// healthy instances for the gateway.
package discovery

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/hashicorp/consul/api"
	"go.uber.org/zap"
)

const lookupTimeout = 3 * time.Second

type ConsulClient struct {
	client *api.Client
	log    *zap.Logger
	next   atomic.Uint64
}

// Registration describes one instance. Address defaults to the host's
// outbound IP; HealthPath defaults to /health.
type Registration struct {
	Name       string
	ID         string
	Address    string
	Port       int
	Tags       []string
	HealthPath string
}

func NewConsulClient(host string, port int, log *zap.Logger) (*ConsulClient, error) {
	cfg := api.DefaultConfig()
	cfg.Address = net.JoinHostPort(host, fmt.Sprint(port))

	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Consul client: %w", err)
	}

	if _, err := client.Agent().Self(); err != nil {
		return nil, fmt.Errorf("failed to connect to Consul: %w", err)
	}

	log.Info("Connected to Consul", zap.String("addr", cfg.Address))
	return &ConsulClient{client: client, log: log}, nil
}

// outboundIP is the address other hosts reach us on.
func outboundIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}

// Register adds the instance with an HTTP health check against it.
func (c *ConsulClient) Register(ctx context.Context, reg Registration) error {
	if reg.Address == "" {
		reg.Address = outboundIP()
	}
	if reg.HealthPath == "" {
		reg.HealthPath = "/health"
	}
	hostPort := net.JoinHostPort(reg.Address, fmt.Sprint(reg.Port))

	service := &api.AgentServiceRegistration{
		ID:      reg.ID,
		Name:    reg.Name,
		Address: reg.Address,
		Port:    reg.Port,
		Tags:    reg.Tags,
		Check: &api.AgentServiceCheck{
			HTTP:                           "http://" + hostPort + reg.HealthPath,
			Interval:                       "10s",
			Timeout:                        "5s",
			DeregisterCriticalServiceAfter: "30s",
		},
	}

	opts := api.ServiceRegisterOpts{}.WithContext(ctx)
	if err := c.client.Agent().ServiceRegisterOpts(service, opts); err != nil {
		return fmt.Errorf("failed to register %s: %w", reg.Name, err)
	}

	c.log.Info("Registered service",
		zap.String("name", reg.Name),
		zap.String("id", reg.ID),
		zap.String("address", hostPort),
	)
	return nil
}

func (c *ConsulClient) Deregister(ctx context.Context, serviceID string) error {
	q := (&api.QueryOptions{}).WithContext(ctx)
	if err := c.client.Agent().ServiceDeregisterOpts(serviceID, q); err != nil {
		return fmt.Errorf("failed to deregister %s: %w", serviceID, err)
	}

	c.log.Info("Deregistered service", zap.String("id", serviceID))
	return nil
}

// GetServiceURL returns a base URL for one passing instance of
// serviceName, rotating across instances on successive calls.
func (c *ConsulClient) GetServiceURL(serviceName string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()

	entries, _, err := c.client.Health().Service(serviceName, "", true, (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("failed to look up %s: %w", serviceName, err)
	}
	if len(entries) == 0 {
		return "", fmt.Errorf("no healthy instances of %s", serviceName)
	}

	svc := entries[c.next.Add(1)%uint64(len(entries))].Service
	address := svc.Address
	if address == "" {
		address = "localhost"
	}
	return "http://" + net.JoinHostPort(address, fmt.Sprint(svc.Port)), nil
}
