package test

import (
	"context"
	"sync"

	"github.com/boltzops/swapd/lightning"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/routing/route"
)

// PaymentSignal is pushed on the mock's payment channels for every dispatch
// or track call. The test drives the payment outcome through the embedded
// channels.
type PaymentSignal struct {
	Request lightning.SendRequest
	Hash    lntypes.Hash
	Updates chan lightning.PaymentUpdate
	Errors  chan error
}

// InvoiceSubscription is pushed for every single invoice subscription.
type InvoiceSubscription struct {
	Hash    lntypes.Hash
	Updates chan lightning.InvoiceUpdate
	Errors  chan error
}

// ConnectRequest records a peer connect call.
type ConnectRequest struct {
	PubKey route.Vertex
	Host   string
}

// MockLightning is a scriptable lightning.Client for tests.
type MockLightning struct {
	mu sync.Mutex

	// NodeKind is the implementation the mock claims to be.
	NodeKind lightning.NodeType

	// Info is returned from GetInfo.
	Info lightning.NodeInfo

	// SendPaymentChannel receives a signal per SendPayment call.
	SendPaymentChannel chan *PaymentSignal

	// TrackPaymentChannel receives a signal per TrackPayment call.
	TrackPaymentChannel chan *PaymentSignal

	// InvoiceSubscribeChannel receives a subscription per
	// SubscribeSingleInvoice call.
	InvoiceSubscribeChannel chan *InvoiceSubscription

	// SettleChannel receives the preimage of every SettleInvoice call.
	SettleChannel chan lntypes.Preimage

	// CancelChannel receives the hash of every CancelInvoice call.
	CancelChannel chan lntypes.Hash

	// ConnectChannel receives every ConnectPeer call.
	ConnectChannel chan ConnectRequest

	// OpenChannelChannel receives every OpenChannel call.
	OpenChannelChannel chan lightning.OpenChannelRequest

	// PeerEventChannel is returned from SubscribePeerEvents.
	PeerEventChannel chan lightning.PeerEvent

	// ChannelEventChannel is returned from SubscribeChannelEvents.
	ChannelEventChannel chan lightning.ChannelActiveEvent

	// ResetMissionControlChannel receives a token per call.
	ResetMissionControlChannel chan struct{}

	channels      []lightning.Channel
	peers         []lightning.Peer
	nodeAddresses []string
	invoices      map[lntypes.Hash]*lightning.Invoice
	pending       map[lntypes.Hash]bool

	sendErr    error
	settleErrs []error
	openErrs   []error
	connectErr error
	pendingErr error
}

// NewMockLightning creates a new scriptable client.
func NewMockLightning(nodeKind lightning.NodeType) *MockLightning {
	return &MockLightning{
		NodeKind: nodeKind,
		Info: lightning.NodeInfo{
			BlockHeight: 600,
			Synced:      true,
		},
		SendPaymentChannel:         make(chan *PaymentSignal, 8),
		TrackPaymentChannel:        make(chan *PaymentSignal, 8),
		InvoiceSubscribeChannel:    make(chan *InvoiceSubscription, 8),
		SettleChannel:              make(chan lntypes.Preimage, 8),
		CancelChannel:              make(chan lntypes.Hash, 8),
		ConnectChannel:             make(chan ConnectRequest, 8),
		OpenChannelChannel:         make(chan lightning.OpenChannelRequest, 8),
		PeerEventChannel:           make(chan lightning.PeerEvent, 8),
		ChannelEventChannel:        make(chan lightning.ChannelActiveEvent, 8),
		ResetMissionControlChannel: make(chan struct{}, 8),
		invoices:                   make(map[lntypes.Hash]*lightning.Invoice),
		pending:                    make(map[lntypes.Hash]bool),
	}
}

var _ lightning.Client = (*MockLightning)(nil)

// Node returns the scripted node type.
func (m *MockLightning) Node() lightning.NodeType {
	return m.NodeKind
}

// GetInfo returns the scripted node info.
func (m *MockLightning) GetInfo(_ context.Context) (*lightning.NodeInfo,
	error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	info := m.Info
	return &info, nil
}

// QueueSendError makes the next SendPayment call fail immediately.
func (m *MockLightning) QueueSendError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sendErr = err
}

// SendPayment hands a payment signal to the test.
func (m *MockLightning) SendPayment(_ context.Context,
	req lightning.SendRequest) (<-chan lightning.PaymentUpdate,
	<-chan error, error) {

	m.mu.Lock()
	err := m.sendErr
	m.sendErr = nil
	m.mu.Unlock()

	if err != nil {
		return nil, nil, err
	}

	signal := &PaymentSignal{
		Request: req,
		Updates: make(chan lightning.PaymentUpdate, 4),
		Errors:  make(chan error, 1),
	}
	m.SendPaymentChannel <- signal

	return signal.Updates, signal.Errors, nil
}

// TrackPayment hands a track signal to the test.
func (m *MockLightning) TrackPayment(_ context.Context, hash lntypes.Hash) (
	<-chan lightning.PaymentUpdate, <-chan error, error) {

	signal := &PaymentSignal{
		Hash:    hash,
		Updates: make(chan lightning.PaymentUpdate, 4),
		Errors:  make(chan error, 1),
	}
	m.TrackPaymentChannel <- signal

	return signal.Updates, signal.Errors, nil
}

// SetPendingPayment scripts the PendingPayment result for a hash.
func (m *MockLightning) SetPendingPayment(hash lntypes.Hash, pending bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pending[hash] = pending
}

// SetPendingPaymentError makes PendingPayment calls fail.
func (m *MockLightning) SetPendingPaymentError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pendingErr = err
}

// PendingPayment returns the scripted pending state.
func (m *MockLightning) PendingPayment(_ context.Context,
	hash lntypes.Hash) (bool, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pendingErr != nil {
		return false, m.pendingErr
	}

	return m.pending[hash], nil
}

// ResetMissionControl records the call.
func (m *MockLightning) ResetMissionControl(_ context.Context) error {
	m.ResetMissionControlChannel <- struct{}{}
	return nil
}

// AddHoldInvoice returns a synthetic payment request.
func (m *MockLightning) AddHoldInvoice(_ context.Context,
	req lightning.HoldInvoiceRequest) (string, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	paymentRequest := "lnmock" + req.Hash.String()
	m.invoices[req.Hash] = &lightning.Invoice{
		Hash:           req.Hash,
		PaymentRequest: paymentRequest,
		State:          lightning.InvoiceOpen,
	}

	return paymentRequest, nil
}

// QueueSettleError scripts the result of the next SettleInvoice call.
// Queued errors are consumed in order.
func (m *MockLightning) QueueSettleError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.settleErrs = append(m.settleErrs, err)
}

// SettleInvoice records the call and pops a scripted result.
func (m *MockLightning) SettleInvoice(_ context.Context,
	preimage lntypes.Preimage) error {

	m.mu.Lock()
	var err error
	if len(m.settleErrs) > 0 {
		err = m.settleErrs[0]
		m.settleErrs = m.settleErrs[1:]
	}
	m.mu.Unlock()

	m.SettleChannel <- preimage

	return err
}

// CancelInvoice records the call.
func (m *MockLightning) CancelInvoice(_ context.Context,
	hash lntypes.Hash) error {

	m.CancelChannel <- hash
	return nil
}

// SetInvoice scripts a LookupInvoice result.
func (m *MockLightning) SetInvoice(hash lntypes.Hash,
	invoice *lightning.Invoice) {

	m.mu.Lock()
	defer m.mu.Unlock()

	m.invoices[hash] = invoice
}

// LookupInvoice returns the scripted invoice.
func (m *MockLightning) LookupInvoice(_ context.Context,
	hash lntypes.Hash) (*lightning.Invoice, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	invoice, ok := m.invoices[hash]
	if !ok {
		return nil, lightning.ErrInvoiceNotFound
	}

	return invoice, nil
}

// SubscribeSingleInvoice hands a subscription to the test.
func (m *MockLightning) SubscribeSingleInvoice(_ context.Context,
	hash lntypes.Hash) (<-chan lightning.InvoiceUpdate, <-chan error,
	error) {

	subscription := &InvoiceSubscription{
		Hash:    hash,
		Updates: make(chan lightning.InvoiceUpdate, 4),
		Errors:  make(chan error, 1),
	}
	m.InvoiceSubscribeChannel <- subscription

	return subscription.Updates, subscription.Errors, nil
}

// SetNodeAddresses scripts the GetNodeAddresses result.
func (m *MockLightning) SetNodeAddresses(addresses []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nodeAddresses = addresses
}

// GetNodeAddresses returns the scripted addresses.
func (m *MockLightning) GetNodeAddresses(_ context.Context,
	_ route.Vertex) ([]string, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.nodeAddresses, nil
}

// SetConnectError scripts the result of ConnectPeer calls.
func (m *MockLightning) SetConnectError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.connectErr = err
}

// ConnectPeer records the call.
func (m *MockLightning) ConnectPeer(_ context.Context, pubKey route.Vertex,
	host string) error {

	m.mu.Lock()
	err := m.connectErr
	m.mu.Unlock()

	m.ConnectChannel <- ConnectRequest{PubKey: pubKey, Host: host}

	return err
}

// QueueOpenChannelError scripts the result of the next OpenChannel call.
// Queued errors are consumed in order, calls beyond the queue succeed.
func (m *MockLightning) QueueOpenChannelError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.openErrs = append(m.openErrs, err)
}

// OpenChannel records the call and pops a scripted result.
func (m *MockLightning) OpenChannel(_ context.Context,
	req lightning.OpenChannelRequest) (*lightning.ChannelPoint, error) {

	m.mu.Lock()
	var err error
	if len(m.openErrs) > 0 {
		err = m.openErrs[0]
		m.openErrs = m.openErrs[1:]
	}
	m.mu.Unlock()

	m.OpenChannelChannel <- req

	if err != nil {
		return nil, err
	}

	return &lightning.ChannelPoint{
		FundingTxID: "fundingtx",
		FundingVout: 0,
	}, nil
}

// SetChannels scripts the ListChannels result.
func (m *MockLightning) SetChannels(channels []lightning.Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.channels = channels
}

// ListChannels returns the scripted channels.
func (m *MockLightning) ListChannels(_ context.Context, activeOnly bool) (
	[]lightning.Channel, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	var channels []lightning.Channel
	for _, channel := range m.channels {
		if activeOnly && !channel.Active {
			continue
		}

		channels = append(channels, channel)
	}

	return channels, nil
}

// SetPeers scripts the ListPeers result.
func (m *MockLightning) SetPeers(peers []lightning.Peer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.peers = peers
}

// ListPeers returns the scripted peers.
func (m *MockLightning) ListPeers(_ context.Context) ([]lightning.Peer,
	error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.peers, nil
}

// SubscribePeerEvents returns the test driven peer event channel.
func (m *MockLightning) SubscribePeerEvents(_ context.Context) (
	<-chan lightning.PeerEvent, <-chan error, error) {

	return m.PeerEventChannel, make(chan error, 1), nil
}

// SubscribeChannelEvents returns the test driven channel event channel.
func (m *MockLightning) SubscribeChannelEvents(_ context.Context) (
	<-chan lightning.ChannelActiveEvent, <-chan error, error) {

	return m.ChannelEventChannel, make(chan error, 1), nil
}
