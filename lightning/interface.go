package lightning

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/routing/route"
)

// NodeType enumerates the Lightning implementations a swap can be served by.
type NodeType uint8

const (
	// NodeTypeLnd is an lnd node.
	NodeTypeLnd NodeType = iota

	// NodeTypeCln is a Core Lightning node.
	NodeTypeCln
)

// String returns the readable representation of the node type.
func (n NodeType) String() string {
	switch n {
	case NodeTypeLnd:
		return "LND"

	case NodeTypeCln:
		return "CLN"

	default:
		return "unknown"
	}
}

// PaymentState is the coarse state of an outgoing payment.
type PaymentState uint8

const (
	// PaymentPending means htlcs for the payment may still be in flight.
	PaymentPending PaymentState = iota

	// PaymentSucceeded means the payment settled and a preimage is known.
	PaymentSucceeded

	// PaymentFailed means all attempts failed terminally.
	PaymentFailed
)

// PaymentUpdate is a single update of an outgoing payment.
type PaymentUpdate struct {
	// State is the coarse payment state.
	State PaymentState

	// Preimage is set when State is PaymentSucceeded.
	Preimage lntypes.Preimage

	// Fee is the routing fee paid, set when State is PaymentSucceeded.
	Fee lnwire.MilliSatoshi

	// FailureReason is set when State is PaymentFailed.
	FailureReason FailureReason
}

// SendRequest contains the parameters of an invoice payment attempt.
type SendRequest struct {
	// Invoice is the payment request to pay.
	Invoice string

	// MaxFee is the fee limit for the whole payment.
	MaxFee btcutil.Amount

	// Timeout is the maximum time the node may spend pathfinding.
	Timeout time.Duration

	// MaxParts is the maximum number of partial payments.
	MaxParts uint32

	// OutgoingChanID restricts the payment to the given channel if set.
	OutgoingChanID *uint64

	// CltvLimit caps the total time lock of the route if set.
	CltvLimit *int32
}

// InvoiceState is the settlement state of one of our own invoices.
type InvoiceState uint8

const (
	// InvoiceOpen means no htlcs have arrived yet.
	InvoiceOpen InvoiceState = iota

	// InvoiceAccepted means htlcs covering the full amount are held.
	InvoiceAccepted

	// InvoiceSettled means the preimage was released.
	InvoiceSettled

	// InvoiceCanceled means all held htlcs were canceled back.
	InvoiceCanceled
)

// InvoiceUpdate is a single update of one of our own invoices.
type InvoiceUpdate struct {
	State      InvoiceState
	AmountPaid btcutil.Amount
}

// Invoice describes one of our own invoices.
type Invoice struct {
	Hash           lntypes.Hash
	PaymentRequest string
	State          InvoiceState
	AmountPaid     btcutil.Amount
}

// HoldInvoiceRequest contains the parameters of a new hold invoice.
type HoldInvoiceRequest struct {
	Hash       lntypes.Hash
	Value      lnwire.MilliSatoshi
	Memo       string
	CltvExpiry uint64
	Expiry     int64
}

// NodeInfo describes the backing node.
type NodeInfo struct {
	PubKey      route.Vertex
	Alias       string
	BlockHeight uint32
	Synced      bool
}

// Channel describes a channel of the backing node.
type Channel struct {
	ChannelID     uint64
	FundingTxID   string
	FundingVout   uint32
	PeerPubKey    route.Vertex
	Capacity      btcutil.Amount
	LocalBalance  btcutil.Amount
	RemoteBalance btcutil.Amount
	Active        bool
	Private       bool
}

// Peer describes a connected peer.
type Peer struct {
	PubKey route.Vertex
}

// PeerEvent signals a peer going online or offline.
type PeerEvent struct {
	PubKey route.Vertex
	Online bool
}

// ChannelPoint is the funding outpoint of a channel.
type ChannelPoint struct {
	FundingTxID string
	FundingVout uint32
}

// ChannelActiveEvent signals a channel becoming active.
type ChannelActiveEvent struct {
	ChannelPoint ChannelPoint
}

// OpenChannelRequest contains the parameters of a channel open.
type OpenChannelRequest struct {
	PeerPubKey  route.Vertex
	LocalAmount btcutil.Amount
	PushAmount  btcutil.Amount
	Private     bool
	SatPerVByte btcutil.Amount
}

// Client is the interface the swap engine uses to talk to a Lightning node.
// Implementations translate node specific failures into the error taxonomy
// of this package.
type Client interface {
	// Node returns which implementation backs this client.
	Node() NodeType

	// GetInfo returns the identity and sync state of the node.
	GetInfo(ctx context.Context) (*NodeInfo, error)

	// SendPayment dispatches a payment and streams its updates. The
	// stream itself never blocks payment execution.
	SendPayment(ctx context.Context, req SendRequest) (
		<-chan PaymentUpdate, <-chan error, error)

	// TrackPayment streams updates for a payment that was dispatched
	// before, identified by its hash.
	TrackPayment(ctx context.Context, hash lntypes.Hash) (
		<-chan PaymentUpdate, <-chan error, error)

	// PendingPayment reports whether a payment with the given hash still
	// has htlcs in flight.
	PendingPayment(ctx context.Context, hash lntypes.Hash) (bool, error)

	// ResetMissionControl wipes the pathfinding state of the node.
	ResetMissionControl(ctx context.Context) error

	// AddHoldInvoice creates a hold invoice for the given hash.
	AddHoldInvoice(ctx context.Context, req HoldInvoiceRequest) (string,
		error)

	// SettleInvoice releases the preimage of a held invoice.
	SettleInvoice(ctx context.Context, preimage lntypes.Preimage) error

	// CancelInvoice cancels back the htlcs of a held invoice.
	CancelInvoice(ctx context.Context, hash lntypes.Hash) error

	// LookupInvoice looks up one of our own invoices by hash.
	LookupInvoice(ctx context.Context, hash lntypes.Hash) (*Invoice,
		error)

	// SubscribeSingleInvoice streams the state changes of one of our own
	// invoices.
	SubscribeSingleInvoice(ctx context.Context, hash lntypes.Hash) (
		<-chan InvoiceUpdate, <-chan error, error)

	// GetNodeAddresses returns the advertised addresses of a node.
	GetNodeAddresses(ctx context.Context, pubKey route.Vertex) ([]string,
		error)

	// ConnectPeer connects to the given peer.
	ConnectPeer(ctx context.Context, pubKey route.Vertex,
		host string) error

	// OpenChannel opens a channel to a connected peer.
	OpenChannel(ctx context.Context, req OpenChannelRequest) (
		*ChannelPoint, error)

	// ListChannels lists the channels of the node.
	ListChannels(ctx context.Context, activeOnly bool) ([]Channel, error)

	// ListPeers lists the connected peers.
	ListPeers(ctx context.Context) ([]Peer, error)

	// SubscribePeerEvents streams peer online and offline events.
	SubscribePeerEvents(ctx context.Context) (<-chan PeerEvent,
		<-chan error, error)

	// SubscribeChannelEvents streams channel active events.
	SubscribeChannelEvents(ctx context.Context) (<-chan ChannelActiveEvent,
		<-chan error, error)
}
