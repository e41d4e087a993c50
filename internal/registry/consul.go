// Package registry wires the remote prekey service into Consul so callers
// can discover a healthy instance instead of dialing a hardcoded address.
// The prekey service itself (bundle upload/fetch) lives in internal/prekey;
// this package only tracks which instances are alive and where.
package registry

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/hashicorp/consul/api"
)

const serviceName = "echo-prekey-service"

// ConsulRegistry registers and discovers prekey-service instances in Consul.
type ConsulRegistry struct {
	client     *api.Client
	serviceID  string
	nodeID     string
	servicePort int
}

// NewConsulRegistry builds a registry client against the Consul agent at
// addr. nodeID identifies this prekey-service instance; servicePort is
// parsed with a fallback to 8080 on malformed input.
func NewConsulRegistry(addr, nodeID, servicePort string) (*ConsulRegistry, error) {
	config := api.DefaultConfig()
	config.Address = addr

	client, err := api.NewClient(config)
	if err != nil {
		return nil, err
	}

	port, err := strconv.Atoi(servicePort)
	if err != nil {
		log.Printf("registry: failed to parse service port, using default 8080: %v", err)
		port = 8080
	}

	return &ConsulRegistry{
		client:      client,
		serviceID:   nodeID,
		nodeID:      nodeID,
		servicePort: port,
	}, nil
}

// Register advertises this prekey-service instance in Consul with an HTTP
// health check hitting /health every 10s; Consul deregisters the instance
// automatically if the check stays critical for 30s.
func (c *ConsulRegistry) Register() error {
	hostname, err := os.Hostname()
	if err != nil {
		log.Printf("registry: failed to get hostname, using localhost: %v", err)
		hostname = "localhost"
	}

	registration := &api.AgentServiceRegistration{
		ID:      c.serviceID,
		Name:    serviceName,
		Port:    c.servicePort,
		Address: hostname,
		Tags:    []string{"prekey", "x3dh"},
		Check: &api.AgentServiceCheck{
			HTTP:                           fmt.Sprintf("http://%s:%d/health", hostname, c.servicePort),
			Interval:                       "10s",
			Timeout:                        "3s",
			DeregisterCriticalServiceAfter: "30s",
		},
		Meta: map[string]string{
			"node_id": c.nodeID,
		},
	}

	if err := c.client.Agent().ServiceRegister(registration); err != nil {
		return err
	}

	log.Printf("registry: registered prekey-service node %s with Consul", c.serviceID)
	return nil
}

// Deregister removes this instance from Consul, e.g. on graceful shutdown.
func (c *ConsulRegistry) Deregister() error {
	if err := c.client.Agent().ServiceDeregister(c.serviceID); err != nil {
		return err
	}

	log.Printf("registry: deregistered prekey-service node %s from Consul", c.serviceID)
	return nil
}

// HealthyNodes returns the service IDs of all currently healthy
// prekey-service instances, for load-balancing a bundle fetch or upload.
func (c *ConsulRegistry) HealthyNodes() ([]string, error) {
	services, _, err := c.client.Health().Service(serviceName, "", true, nil)
	if err != nil {
		return nil, err
	}

	nodes := make([]string, 0, len(services))
	for _, service := range services {
		nodes = append(nodes, service.Service.ID)
	}
	return nodes, nil
}

// WatchNodes blocks, long-polling Consul for membership changes among
// prekey-service instances and invoking callback with the updated healthy
// set each time the watch index advances. Intended to run in its own
// goroutine; it never returns on its own.
func (c *ConsulRegistry) WatchNodes(callback func([]string)) {
	var lastIndex uint64

	for {
		services, meta, err := c.client.Health().Service(serviceName, "", true, &api.QueryOptions{
			WaitIndex: lastIndex,
			WaitTime:  5 * time.Minute,
		})
		if err != nil {
			log.Printf("registry: error watching Consul for prekey-service nodes: %v", err)
			time.Sleep(5 * time.Second)
			continue
		}

		if meta.LastIndex != lastIndex {
			lastIndex = meta.LastIndex

			nodes := make([]string, 0, len(services))
			for _, service := range services {
				nodes = append(nodes, service.Service.ID)
			}
			callback(nodes)
		}
	}
}
