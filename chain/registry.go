// Package chain resolves chain ids to RPC providers. Network metadata (name, default nodes,
// eth_sendRawTransactionSync support) comes from jarvis' network list unless a chain is
// registered explicitly.
package chain

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/KyberNetwork/logger"
	"github.com/tranvictor/jarvis/networks"
	"golang.org/x/sync/errgroup"

	"github.com/uniswap/walletcore"
	"github.com/uniswap/walletcore/internal/circuitbreaker"
)

// Network is the network metadata the registry needs. jarvis networks satisfy it.
type Network interface {
	GetName() string
	GetChainID() uint64
	IsSyncTxSupported() bool
	GetDefaultNodes() map[string]string
}

// Endpoint configures the RPC endpoints of one chain. An empty RPCURL falls back to the
// network's default nodes.
type Endpoint struct {
	ChainID        uint64
	RPCURL         string
	PrivateRPCURL  string
	PrivateRPCName string
}

// DialFunc opens a provider for url.
type DialFunc func(ctx context.Context, name, url string, syncTx bool, settings circuitbreaker.Settings) (*Provider, error)

// LookupFunc resolves a chain id to its network metadata.
type LookupFunc func(chainID uint64) (Network, error)

type entry struct {
	network Network
	public  *Provider
	private *Provider
}

// Registry holds the providers of every configured chain. It implements
// walletcore.ProviderResolver.
type Registry struct {
	mu     sync.RWMutex
	chains map[uint64]*entry

	lookup   LookupFunc
	dial     DialFunc
	settings func(name string) circuitbreaker.Settings
}

// RegistryOption configures a Registry
type RegistryOption func(*Registry)

// WithDialer replaces Dial, e.g. with an in-process RPC server in tests.
func WithDialer(dial DialFunc) RegistryOption {
	return func(r *Registry) {
		r.dial = dial
	}
}

// WithNetworkLookup replaces the jarvis network list.
func WithNetworkLookup(lookup LookupFunc) RegistryOption {
	return func(r *Registry) {
		r.lookup = lookup
	}
}

// WithBreakerSettings sets the circuit breaker settings of every endpoint.
func WithBreakerSettings(settings func(name string) circuitbreaker.Settings) RegistryOption {
	return func(r *Registry) {
		r.settings = settings
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		chains:   make(map[uint64]*entry),
		lookup:   jarvisNetwork,
		dial:     Dial,
		settings: circuitbreaker.DefaultSettings,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func jarvisNetwork(chainID uint64) (Network, error) {
	network, err := networks.GetNetworkByID(chainID)
	if err != nil {
		return nil, err
	}
	return network, nil
}

// AddChain resolves the network of ep.ChainID and dials its endpoints.
func (r *Registry) AddChain(ctx context.Context, ep Endpoint) error {
	network, err := r.lookup(ep.ChainID)
	if err != nil {
		return fmt.Errorf("%w: chain %d: %v", walletcore.ErrUnsupportedChain, ep.ChainID, err)
	}
	return r.AddNetwork(ctx, network, ep)
}

// AddNetwork dials the endpoints of network. ep.ChainID is ignored.
func (r *Registry) AddNetwork(ctx context.Context, network Network, ep Endpoint) error {
	url := ep.RPCURL
	if url == "" {
		url = defaultNode(network)
	}
	if url == "" {
		return fmt.Errorf("no rpc url for %s", network.GetName())
	}

	public, err := r.dial(ctx, network.GetName(), url, network.IsSyncTxSupported(), r.settings(network.GetName()))
	if err != nil {
		return err
	}
	e := &entry{network: network, public: public}

	if ep.PrivateRPCURL != "" {
		name := ep.PrivateRPCName
		if name == "" {
			name = network.GetName() + "-private"
		}
		e.private, err = r.dial(ctx, name, ep.PrivateRPCURL, false, r.settings(name))
		if err != nil {
			public.Close()
			return err
		}
	}

	r.mu.Lock()
	old := r.chains[network.GetChainID()]
	r.chains[network.GetChainID()] = e
	r.mu.Unlock()
	if old != nil {
		old.close()
	}

	logger.WithFields(logger.Fields{
		"chain_id":    network.GetChainID(),
		"network":     network.GetName(),
		"sync_tx":     public.SupportsSyncTx(),
		"private_rpc": e.private != nil,
	}).Info("chain registered")
	return nil
}

// defaultNode picks the first default node by key so the choice is stable.
func defaultNode(network Network) string {
	nodes := network.GetDefaultNodes()
	keys := make([]string, 0, len(nodes))
	for k := range nodes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if nodes[k] != "" {
			return nodes[k]
		}
	}
	return ""
}

func (r *Registry) get(chainID uint64) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.chains[chainID]
	if !ok {
		return nil, fmt.Errorf("%w: chain %d", walletcore.ErrUnsupportedChain, chainID)
	}
	return e, nil
}

// Provider implements walletcore.ProviderResolver. Chains without a private endpoint
// submit through the public one.
func (r *Registry) Provider(chainID uint64, viaPrivateRPC bool) (walletcore.ChainProvider, error) {
	e, err := r.get(chainID)
	if err != nil {
		return nil, err
	}
	if viaPrivateRPC && e.private != nil {
		return e.private, nil
	}
	return e.public, nil
}

// Public returns the public provider of chainID, e.g. as a gas estimation backend.
func (r *Registry) Public(chainID uint64) (*Provider, error) {
	e, err := r.get(chainID)
	if err != nil {
		return nil, err
	}
	return e.public, nil
}

// Network returns the metadata of chainID.
func (r *Registry) Network(chainID uint64) (Network, error) {
	e, err := r.get(chainID)
	if err != nil {
		return nil, err
	}
	return e.network, nil
}

// ChainIDs returns the registered chains in ascending order.
func (r *Registry) ChainIDs() []uint64 {
	r.mu.RLock()
	ids := make([]uint64, 0, len(r.chains))
	for id := range r.chains {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Ping checks in parallel that every public endpoint answers eth_chainId with the chain id it
// is registered for.
func (r *Registry) Ping(ctx context.Context) error {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.chains))
	for _, e := range r.chains {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, e := range entries {
		g.Go(func() error {
			id, err := e.public.ChainID(ctx)
			if err != nil {
				return fmt.Errorf("%s: %w", e.public.Name(), err)
			}
			if id.Uint64() != e.network.GetChainID() {
				return fmt.Errorf("%s: answers for chain %d, registered as %d", e.public.Name(), id.Uint64(), e.network.GetChainID())
			}
			return nil
		})
	}
	return g.Wait()
}

// Close closes every provider.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.chains {
		e.close()
		delete(r.chains, id)
	}
}

func (e *entry) close() {
	e.public.Close()
	if e.private != nil {
		e.private.Close()
	}
}
