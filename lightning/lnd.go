package lightning

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightninglabs/lndclient"
	"github.com/lightningnetwork/lnd/invoices"
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/invoicesrpc"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/routing/route"
)

const (
	// defaultPaymentTimeout is the default pathfinding timeout for
	// payments dispatched without an explicit timeout.
	defaultPaymentTimeout = time.Minute

	// defaultMaxParts is the default number of partial payments.
	defaultMaxParts = 5

	// pendingLookupTimeout bounds the lookup that decides whether a
	// payment still has htlcs in flight.
	pendingLookupTimeout = 15 * time.Second
)

// LndClient implements Client backed by an lnd node.
type LndClient struct {
	lnd *lndclient.LndServices
}

// A compile time check to make sure LndClient implements Client.
var _ Client = (*LndClient)(nil)

// NewLndClient wraps the given lnd services into a Client.
func NewLndClient(lnd *lndclient.LndServices) *LndClient {
	return &LndClient{lnd: lnd}
}

// Node returns which implementation backs this client.
func (l *LndClient) Node() NodeType {
	return NodeTypeLnd
}

// GetInfo returns the identity and sync state of the node.
func (l *LndClient) GetInfo(ctx context.Context) (*NodeInfo, error) {
	info, err := l.lnd.Client.GetInfo(ctx)
	if err != nil {
		return nil, normalizeError(err)
	}

	pubKey, err := route.NewVertexFromBytes(info.IdentityPubkey[:])
	if err != nil {
		return nil, err
	}

	return &NodeInfo{
		PubKey:      pubKey,
		Alias:       info.Alias,
		BlockHeight: info.BlockHeight,
		Synced:      info.SyncedToChain,
	}, nil
}

// SendPayment dispatches a payment and streams its updates.
func (l *LndClient) SendPayment(ctx context.Context, req SendRequest) (
	<-chan PaymentUpdate, <-chan error, error) {

	timeout := req.Timeout
	if timeout == 0 {
		timeout = defaultPaymentTimeout
	}

	maxParts := req.MaxParts
	if maxParts == 0 {
		maxParts = defaultMaxParts
	}

	lndReq := lndclient.SendPaymentRequest{
		Invoice:  req.Invoice,
		MaxFee:   req.MaxFee,
		Timeout:  timeout,
		MaxParts: maxParts,
		MaxCltv:  req.CltvLimit,
	}
	if req.OutgoingChanID != nil {
		lndReq.OutgoingChanIds = []uint64{*req.OutgoingChanID}
	}

	statusChan, errChan, err := l.lnd.Router.SendPayment(ctx, lndReq)
	if err != nil {
		return nil, nil, normalizeError(err)
	}

	return l.convertPaymentStream(ctx, statusChan, errChan)
}

// TrackPayment streams updates for a payment dispatched before.
func (l *LndClient) TrackPayment(ctx context.Context, hash lntypes.Hash) (
	<-chan PaymentUpdate, <-chan error, error) {

	statusChan, errChan, err := l.lnd.Router.TrackPayment(ctx, hash)
	if err != nil {
		return nil, nil, normalizeError(err)
	}

	return l.convertPaymentStream(ctx, statusChan, errChan)
}

// convertPaymentStream translates lnd payment updates into the node neutral
// representation.
func (l *LndClient) convertPaymentStream(ctx context.Context,
	statusChan chan lndclient.PaymentStatus, errChan chan error) (
	<-chan PaymentUpdate, <-chan error, error) {

	updateChan := make(chan PaymentUpdate, 1)
	outErrChan := make(chan error, 1)

	go func() {
		for {
			select {
			case status := <-statusChan:
				update := convertPaymentStatus(status)

				select {
				case updateChan <- update:
				case <-ctx.Done():
					return
				}

				if update.State != PaymentPending {
					return
				}

			case err := <-errChan:
				select {
				case outErrChan <- normalizeError(err):
				case <-ctx.Done():
				}
				return

			case <-ctx.Done():
				return
			}
		}
	}()

	return updateChan, outErrChan, nil
}

// convertPaymentStatus maps a single lnd payment status.
func convertPaymentStatus(status lndclient.PaymentStatus) PaymentUpdate {
	switch status.State {
	case lnrpc.Payment_SUCCEEDED:
		return PaymentUpdate{
			State:    PaymentSucceeded,
			Preimage: status.Preimage,
			Fee:      status.Fee,
		}

	case lnrpc.Payment_FAILED:
		return PaymentUpdate{
			State:         PaymentFailed,
			FailureReason: convertFailureReason(status.FailureReason),
		}

	default:
		return PaymentUpdate{State: PaymentPending}
	}
}

// convertFailureReason maps lnd failure reasons onto the package taxonomy.
func convertFailureReason(reason lnrpc.PaymentFailureReason) FailureReason {
	switch reason {
	case lnrpc.PaymentFailureReason_FAILURE_REASON_TIMEOUT:
		return FailureReasonTimeout

	case lnrpc.PaymentFailureReason_FAILURE_REASON_NO_ROUTE:
		return FailureReasonNoRoute

	case lnrpc.PaymentFailureReason_FAILURE_REASON_INSUFFICIENT_BALANCE:
		return FailureReasonInsufficientBalance

	case lnrpc.PaymentFailureReason_FAILURE_REASON_INCORRECT_PAYMENT_DETAILS:
		return FailureReasonIncorrectDetails

	default:
		return FailureReasonError
	}
}

// PendingPayment reports whether a payment with the given hash still has
// htlcs in flight. Payments lnd has never seen count as not pending.
func (l *LndClient) PendingPayment(ctx context.Context, hash lntypes.Hash) (
	bool, error) {

	lookupCtx, cancel := context.WithTimeout(ctx, pendingLookupTimeout)
	defer cancel()

	updateChan, errChan, err := l.TrackPayment(lookupCtx, hash)
	if err != nil {
		if err == ErrPaymentNotFound {
			return false, nil
		}

		return false, err
	}

	select {
	case update := <-updateChan:
		return update.State == PaymentPending, nil

	case err := <-errChan:
		if err == ErrPaymentNotFound {
			return false, nil
		}

		return false, err

	case <-lookupCtx.Done():
		return false, lookupCtx.Err()
	}
}

// ResetMissionControl wipes the pathfinding state of the node.
func (l *LndClient) ResetMissionControl(ctx context.Context) error {
	return normalizeError(l.lnd.Router.ResetMissionControl(ctx))
}

// AddHoldInvoice creates a hold invoice for the given hash.
func (l *LndClient) AddHoldInvoice(ctx context.Context,
	req HoldInvoiceRequest) (string, error) {

	hash := req.Hash
	paymentRequest, err := l.lnd.Invoices.AddHoldInvoice(
		ctx, &invoicesrpc.AddInvoiceData{
			Memo:       req.Memo,
			Hash:       &hash,
			Value:      req.Value,
			Expiry:     req.Expiry,
			CltvExpiry: req.CltvExpiry,
		},
	)
	if err != nil {
		return "", normalizeError(err)
	}

	return paymentRequest, nil
}

// SettleInvoice releases the preimage of a held invoice.
func (l *LndClient) SettleInvoice(ctx context.Context,
	preimage lntypes.Preimage) error {

	return normalizeError(l.lnd.Invoices.SettleInvoice(ctx, preimage))
}

// CancelInvoice cancels back the htlcs of a held invoice.
func (l *LndClient) CancelInvoice(ctx context.Context,
	hash lntypes.Hash) error {

	return normalizeError(l.lnd.Invoices.CancelInvoice(ctx, hash))
}

// LookupInvoice looks up one of our own invoices by hash.
func (l *LndClient) LookupInvoice(ctx context.Context, hash lntypes.Hash) (
	*Invoice, error) {

	invoice, err := l.lnd.Client.LookupInvoice(ctx, hash)
	if err != nil {
		return nil, normalizeError(err)
	}

	return &Invoice{
		Hash:           invoice.Hash,
		PaymentRequest: invoice.PaymentRequest,
		State:          convertInvoiceState(invoice.State),
		AmountPaid:     invoice.AmountPaid.ToSatoshis(),
	}, nil
}

// SubscribeSingleInvoice streams the state changes of one of our own
// invoices.
func (l *LndClient) SubscribeSingleInvoice(ctx context.Context,
	hash lntypes.Hash) (<-chan InvoiceUpdate, <-chan error, error) {

	lndUpdateChan, lndErrChan, err := l.lnd.Invoices.SubscribeSingleInvoice(
		ctx, hash,
	)
	if err != nil {
		return nil, nil, normalizeError(err)
	}

	updateChan := make(chan InvoiceUpdate, 1)
	errChan := make(chan error, 1)

	go func() {
		for {
			select {
			case update := <-lndUpdateChan:
				converted := InvoiceUpdate{
					State:      convertInvoiceState(update.State),
					AmountPaid: update.AmtPaid,
				}

				select {
				case updateChan <- converted:
				case <-ctx.Done():
					return
				}

			case err := <-lndErrChan:
				select {
				case errChan <- normalizeError(err):
				case <-ctx.Done():
				}
				return

			case <-ctx.Done():
				return
			}
		}
	}()

	return updateChan, errChan, nil
}

// convertInvoiceState maps lnd contract states.
func convertInvoiceState(state invoices.ContractState) InvoiceState {
	switch state {
	case invoices.ContractAccepted:
		return InvoiceAccepted

	case invoices.ContractSettled:
		return InvoiceSettled

	case invoices.ContractCanceled:
		return InvoiceCanceled

	default:
		return InvoiceOpen
	}
}

// GetNodeAddresses returns the advertised addresses of a node.
func (l *LndClient) GetNodeAddresses(ctx context.Context,
	pubKey route.Vertex) ([]string, error) {

	rawCtx, _, rawClient := l.lnd.Client.RawClientWithMacAuth(ctx)
	resp, err := rawClient.GetNodeInfo(rawCtx, &lnrpc.NodeInfoRequest{
		PubKey: pubKey.String(),
	})
	if err != nil {
		return nil, normalizeError(err)
	}

	addresses := make([]string, 0, len(resp.Node.Addresses))
	for _, address := range resp.Node.Addresses {
		addresses = append(addresses, address.Addr)
	}

	return addresses, nil
}

// ConnectPeer connects to the given peer.
func (l *LndClient) ConnectPeer(ctx context.Context, pubKey route.Vertex,
	host string) error {

	rawCtx, _, rawClient := l.lnd.Client.RawClientWithMacAuth(ctx)
	_, err := rawClient.ConnectPeer(rawCtx, &lnrpc.ConnectPeerRequest{
		Addr: &lnrpc.LightningAddress{
			Pubkey: pubKey.String(),
			Host:   host,
		},
		Perm: true,
	})
	if err != nil && strings.Contains(err.Error(), "already connected") {
		return nil
	}

	return normalizeError(err)
}

// OpenChannel opens a channel to a connected peer.
func (l *LndClient) OpenChannel(ctx context.Context,
	req OpenChannelRequest) (*ChannelPoint, error) {

	rawCtx, _, rawClient := l.lnd.Client.RawClientWithMacAuth(ctx)
	resp, err := rawClient.OpenChannelSync(
		rawCtx, &lnrpc.OpenChannelRequest{
			NodePubkey:         req.PeerPubKey[:],
			LocalFundingAmount: int64(req.LocalAmount),
			PushSat:            int64(req.PushAmount),
			Private:            req.Private,
			SatPerVbyte:        uint64(req.SatPerVByte),
		},
	)
	if err != nil {
		return nil, normalizeError(err)
	}

	return convertChannelPoint(resp)
}

// convertChannelPoint extracts the funding outpoint of an opened channel.
func convertChannelPoint(chanPoint *lnrpc.ChannelPoint) (*ChannelPoint,
	error) {

	txid := chanPoint.GetFundingTxidStr()
	if txid == "" {
		hash, err := chainhash.NewHash(
			chanPoint.GetFundingTxidBytes(),
		)
		if err != nil {
			return nil, err
		}

		txid = hash.String()
	}

	return &ChannelPoint{
		FundingTxID: txid,
		FundingVout: chanPoint.OutputIndex,
	}, nil
}

// ListChannels lists the channels of the node.
func (l *LndClient) ListChannels(ctx context.Context, activeOnly bool) (
	[]Channel, error) {

	lndChannels, err := l.lnd.Client.ListChannels(ctx, activeOnly, false)
	if err != nil {
		return nil, normalizeError(err)
	}

	channels := make([]Channel, 0, len(lndChannels))
	for _, lndChannel := range lndChannels {
		fundingTxid, fundingVout, err := parseChannelPoint(
			lndChannel.ChannelPoint,
		)
		if err != nil {
			return nil, err
		}

		channels = append(channels, Channel{
			ChannelID:     lndChannel.ChannelID,
			FundingTxID:   fundingTxid,
			FundingVout:   fundingVout,
			PeerPubKey:    lndChannel.PubKeyBytes,
			Capacity:      lndChannel.Capacity,
			LocalBalance:  lndChannel.LocalBalance,
			RemoteBalance: lndChannel.RemoteBalance,
			Active:        lndChannel.Active,
			Private:       lndChannel.Private,
		})
	}

	return channels, nil
}

// parseChannelPoint splits a "txid:vout" channel point string.
func parseChannelPoint(channelPoint string) (string, uint32, error) {
	parts := strings.Split(channelPoint, ":")
	if len(parts) != 2 {
		return "", 0, fmt.Errorf("invalid channel point %v",
			channelPoint)
	}

	vout, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return "", 0, err
	}

	return parts[0], uint32(vout), nil
}

// ListPeers lists the connected peers.
func (l *LndClient) ListPeers(ctx context.Context) ([]Peer, error) {
	rawCtx, _, rawClient := l.lnd.Client.RawClientWithMacAuth(ctx)
	resp, err := rawClient.ListPeers(rawCtx, &lnrpc.ListPeersRequest{})
	if err != nil {
		return nil, normalizeError(err)
	}

	peers := make([]Peer, 0, len(resp.Peers))
	for _, rpcPeer := range resp.Peers {
		pubKey, err := route.NewVertexFromStr(rpcPeer.PubKey)
		if err != nil {
			return nil, err
		}

		peers = append(peers, Peer{PubKey: pubKey})
	}

	return peers, nil
}

// SubscribePeerEvents streams peer online and offline events.
func (l *LndClient) SubscribePeerEvents(ctx context.Context) (
	<-chan PeerEvent, <-chan error, error) {

	rawCtx, _, rawClient := l.lnd.Client.RawClientWithMacAuth(ctx)
	stream, err := rawClient.SubscribePeerEvents(
		rawCtx, &lnrpc.PeerEventSubscription{},
	)
	if err != nil {
		return nil, nil, normalizeError(err)
	}

	eventChan := make(chan PeerEvent, 1)
	errChan := make(chan error, 1)

	go func() {
		for {
			event, err := stream.Recv()
			if err != nil {
				select {
				case errChan <- err:
				case <-ctx.Done():
				}
				return
			}

			pubKey, err := route.NewVertexFromStr(event.PubKey)
			if err != nil {
				log.Warnf("Invalid peer event pubkey %v: %v",
					event.PubKey, err)

				continue
			}

			select {
			case eventChan <- PeerEvent{
				PubKey: pubKey,
				Online: event.Type == lnrpc.PeerEvent_PEER_ONLINE,
			}:

			case <-ctx.Done():
				return
			}
		}
	}()

	return eventChan, errChan, nil
}

// SubscribeChannelEvents streams channel active events.
func (l *LndClient) SubscribeChannelEvents(ctx context.Context) (
	<-chan ChannelActiveEvent, <-chan error, error) {

	rawCtx, _, rawClient := l.lnd.Client.RawClientWithMacAuth(ctx)
	stream, err := rawClient.SubscribeChannelEvents(
		rawCtx, &lnrpc.ChannelEventSubscription{},
	)
	if err != nil {
		return nil, nil, normalizeError(err)
	}

	eventChan := make(chan ChannelActiveEvent, 1)
	errChan := make(chan error, 1)

	go func() {
		for {
			event, err := stream.Recv()
			if err != nil {
				select {
				case errChan <- err:
				case <-ctx.Done():
				}
				return
			}

			if event.Type != lnrpc.ChannelEventUpdate_ACTIVE_CHANNEL {
				continue
			}

			channelPoint, err := convertChannelPoint(
				event.GetActiveChannel(),
			)
			if err != nil {
				log.Warnf("Invalid channel event outpoint: %v",
					err)

				continue
			}

			select {
			case eventChan <- ChannelActiveEvent{
				ChannelPoint: *channelPoint,
			}:

			case <-ctx.Done():
				return
			}
		}
	}()

	return eventChan, errChan, nil
}
