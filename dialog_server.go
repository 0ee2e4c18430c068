package sipstack

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/icholy/digest"
	"github.com/sipcore/sipstack/sip"
)

type DialogServer struct {
	dialogs    sync.Map // TODO replace with typed version
	contactHDR sip.ContactHeader
	c          *Client
}

func (s *DialogServer) loadDialog(id string) *DialogServerSession {
	val, ok := s.dialogs.Load(id)
	if !ok || val == nil {
		return nil
	}

	t := val.(*DialogServerSession)
	return t
}

func (s *DialogServer) matchDialogRequest(req *sip.Request) (*DialogServerSession, error) {
	id, err := sip.UASReadRequestDialogID(req)
	if err != nil {
		return nil, errors.Join(ErrDialogOutsideDialog, err)
	}

	dt := s.loadDialog(id)
	if dt == nil {
		return nil, ErrDialogDoesNotExists
	}
	return dt, nil
}

// NewDialogServerCache provides handle for managing UAS dialog
// Contact hdr is default that is provided for responses.
// Client is needed for termination dialog session
// In case handling different transports you should have multiple instances per transport
func NewDialogServerCache(client *Client, contactHDR sip.ContactHeader) *DialogServer {
	s := &DialogServer{
		dialogs:    sync.Map{},
		contactHDR: contactHDR,
		c:          client,
	}
	return s
}

// ReadInvite should read from your OnInvite handler for which it creates dialog context
// You need to use DialogServerSession for all further responses
// Do not forget to add ReadAck and ReadBye for confirming dialog and terminating
func (s *DialogServer) ReadInvite(req *sip.Request, tx sip.ServerTransaction) (*DialogServerSession, error) {
	select {
	case <-tx.Done():
		if err := tx.Err(); err != nil {
			return nil, err
		}
		return nil, sip.ErrTransactionTerminated
	default:
	}
	if err := tx.Err(); err != nil {
		return nil, err
	}

	cont := req.Contact()
	if cont == nil {
		return nil, ErrDialogInviteNoContact
	}

	// Prebuild already to tag for response as it must be same for all responds
	// NewResponseFromRequest will skip this for all 100
	req.To().Params.Set("tag", uuid.NewString())
	id, err := sip.UASReadRequestDialogID(req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	dtx := &DialogServerSession{
		Dialog: Dialog{
			ID:            id, // this id has already prebuilt tag
			InviteRequest: req,
			lastCSeqNo:    req.CSeq().SeqNo,
			remoteCSeq:    req.CSeq().SeqNo,
			state:         atomic.Int32{},
			stateCh:       make(chan sip.DialogState, 3),
			ctx:           ctx,
			cancel:        cancel,
		},
		inviteTx: tx,
		s:        s,
	}
	dtx.inviteTx.OnCancel(func(r *sip.Request) {
		dtx.cancelReq.Store(r)
		if dtx.LoadState() < sip.DialogStateEstablished {
			dtx.endWithCause(sip.ErrTransactionCanceled)
		}
	})
	dtx.AttachMetrics(s.c.Metrics)
	s.dialogs.Store(id, dtx)
	return dtx, nil
}

// MatchReplaces resolves an inbound INVITE's Replaces header (RFC 3891)
// against this registry. A nil header returns a zero result and no error.
// If the header is present but no confirmed or early dialog matches,
// statusCode is 481 (Call/Transaction Does Not Exist). If the header
// carries the early-only parameter but the matched dialog has already been
// confirmed, statusCode is 486 (Busy Here): a confirmed dialog can no
// longer be replaced by a request asking for an early one specifically.
func (s *DialogServer) MatchReplaces(req *sip.Request) (target *DialogServerSession, statusCode sip.StatusCode, err error) {
	h := req.GetHeader("Replaces")
	if h == nil {
		return nil, 0, nil
	}

	info, err := sip.ParseReplaces(h.Value())
	if err != nil {
		return nil, sip.StatusBadRequest, err
	}

	dt := s.loadDialog(info.DialogID())
	if dt == nil {
		return nil, sip.StatusCallTransactionDoesNotExists, fmt.Errorf("sipstack: no dialog matches Replaces header")
	}

	if info.EarlyOnly && dt.LoadState() >= sip.DialogStateConfirmed {
		return nil, sip.StatusBusyHere, fmt.Errorf("sipstack: Replaces target dialog already confirmed, early-only requested")
	}

	return dt, 0, nil
}

// ReadAck should read from your OnAck handler
func (s *DialogServer) ReadAck(req *sip.Request, tx sip.ServerTransaction) error {
	dt, err := s.matchDialogRequest(req)
	if err != nil {
		return err
	}
	return dt.ReadAck(req, tx)
}

// ReadBye should read from your OnBye handler
func (s *DialogServer) ReadBye(req *sip.Request, tx sip.ServerTransaction) error {
	dt, err := s.matchDialogRequest(req)
	if err != nil {
		// https://datatracker.ietf.org/doc/html/rfc3261#section-15.1.2
		// If the BYE does not
		//    match an existing dialog, the UAS core SHOULD generate a 481
		//    (Call/Transaction Does Not Exist)
		// res := sip.NewResponseFromRequest(req, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist", nil)
		// if err := tx.Respond(res); err != nil {
		// 	return err
		// }
		return err
	}
	return dt.ReadBye(req, tx)
}

// ReadAck confirms the dialog on receiving the ACK for its 2xx response.
func (s *DialogServerSession) ReadAck(req *sip.Request, tx sip.ServerTransaction) error {
	s.setState(sip.DialogStateConfirmed)
	// Acks are normally just absorbed, but in case of proxy
	// they still need to be passed
	return nil
}

// ReadBye confirms and terminates the dialog on receiving an in-dialog BYE.
func (s *DialogServerSession) ReadBye(req *sip.Request, tx sip.ServerTransaction) error {
	// CSeq must strictly increase over the last request we received from
	// the peer; our own outgoing re-INVITEs do not affect this check.
	if req.CSeq().SeqNo <= s.remoteCSeq {
		res := sip.NewResponseFromRequest(req, sip.StatusBadRequest, "Cseq is incorect", nil)
		tx.Respond(res)
		return ErrDialogInvalidCseq
	}
	s.remoteCSeq = req.CSeq().SeqNo

	defer s.Close()
	defer s.inviteTx.Terminate() // Terminates Invite transaction

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		return err
	}

	s.setState(sip.DialogStateEnded)

	return nil
}

type DialogServerSession struct {
	Dialog
	inviteTx  sip.ServerTransaction
	s         *DialogServer
	ua        *DialogUA
	cancelReq atomic.Pointer[sip.Request]
}

// client returns the handle used to send subsequent in-dialog requests,
// whichever of DialogServer or DialogUA constructed this session.
func (s *DialogServerSession) client() *Client {
	if s.s != nil {
		return s.s.c
	}
	return s.ua.Client
}

func (s *DialogServerSession) contactHeader() sip.ContactHeader {
	if s.s != nil {
		return s.s.contactHDR
	}
	return s.ua.ContactHDR
}

func (s *DialogServerSession) deleteFromCache() {
	if s.s != nil {
		s.s.dialogs.Delete(s.ID)
	}
}

// TransactionRequest is doing client DIALOG request based on RFC
// https://www.rfc-editor.org/rfc/rfc3261#section-12.2.1
// This ensures that you have proper request done within dialog
func (s *DialogServerSession) TransactionRequest(ctx context.Context, req *sip.Request) (sip.ClientTransaction, error) {
	if req.CallID() == nil {
		if h := s.InviteRequest.CallID(); h != nil {
			req.AppendHeader(sip.HeaderClone(h))
		}
	}

	cseq := req.CSeq()
	if cseq == nil {
		cseq = &sip.CSeqHeader{
			SeqNo:      s.InviteRequest.CSeq().SeqNo,
			MethodName: req.Method,
		}
		req.AppendHeader(cseq)
	}

	// For safety make sure we are starting with our last dialog cseq num
	cseq.SeqNo = s.lastCSeqNo

	if !req.IsAck() && !req.IsCancel() {
		// Do cseq increment within dialog
		cseq.SeqNo = s.lastCSeqNo + 1
	}

	// https://datatracker.ietf.org/doc/html/rfc3261#section-12.1.1
	// The UAS route set is the INVITE's Record-Route, taken in order.
	for _, recordRoute := range s.InviteRequest.GetHeaders("Record-Route") {
		req.AppendHeader(sip.NewHeader("Route", recordRoute.Value()))
	}

	// Check Route Header
	// Should be handled by transport layer but here we are making this explicit
	if rr := req.Route(); rr != nil {
		req.SetDestination(rr.Address.HostPort())
	}

	// TODO check correct behavior strict routing vs loose routing
	// recordRoute := req.RecordRoute()
	// if recordRoute != nil {
	// 	if recordRoute.Address.UriParams.Has("lr") {
	// 		bye.AppendHeader(&sip.RouteHeader{Address: recordRoute.Address})
	// 	} else {
	// 		/* TODO
	// 		   If the route set is not empty, and its first URI does not contain the
	// 		   lr parameter, the UAC MUST place the first URI from the route set
	// 		   into the Request-URI, stripping any parameters that are not allowed
	// 		   in a Request-URI.  The UAC MUST add a Route header field containing
	// 		   the remainder of the route set values in order, including all
	// 		   parameters.  The UAC MUST then place the remote target URI into the
	// 		   Route header field as the last value.
	// 		*/
	// 	}
	// }

	s.lastCSeqNo = cseq.SeqNo
	// Passing option to avoid CSEQ apply
	return s.client().TransactionRequest(ctx, req, ClientRequestBuild)
}

func (s *DialogServerSession) WriteRequest(req *sip.Request) error {
	return s.client().WriteRequest(req)
}

// Close is always good to call for cleanup or terminating dialog state
func (s *DialogServerSession) Close() error {
	s.deleteFromCache()
	// s.setState(sip.DialogStateEnded)
	// ctx, _ := context.WithTimeout(context.Background(), transaction.Timer_B)
	// return s.Bye(ctx)
	return nil
}

// Respond should be called for Invite request, you may want to call this multiple times like
// 100 Progress or 180 Ringing
// 2xx for creating dialog or other code in case failure
//
// In case Cancel request received: ErrDialogCanceled is responded
func (s *DialogServerSession) Respond(statusCode sip.StatusCode, reason string, body []byte, headers ...sip.Header) error {
	// Must copy Record-Route headers. Done by this command
	res := sip.NewResponseFromRequest(s.InviteRequest, statusCode, reason, body)

	for _, h := range headers {
		res.AppendHeader(h)
	}

	return s.WriteResponse(res)
}

// authDigest checks the initial INVITE against a digest challenge. On a
// missing or incorrect Authorization header it challenges the caller with a
// 401 and returns ErrDialogUnauthorized.
// https://datatracker.ietf.org/doc/html/rfc2617#page-6
func (s *DialogServerSession) authDigest(chal *digest.Challenge, opts digest.Options) error {
	req := s.InviteRequest

	h := req.GetHeader("Authorization")
	if h == nil {
		res := sip.NewResponseFromRequest(req, sip.StatusUnauthorized, "Unauthorized", nil)
		res.AppendHeader(sip.NewHeader("WWW-Authenticate", chal.String()))
		return s.WriteResponse(res)
	}

	cred, err := digest.ParseCredentials(h.Value())
	if err != nil {
		s.WriteResponse(sip.NewResponseFromRequest(req, sip.StatusBadRequest, "Bad credentials", nil))
		return err
	}

	opts.Method = req.Method.String()
	opts.URI = cred.URI
	digCred, err := digest.Digest(chal, opts)
	if err != nil {
		return err
	}

	if cred.Response != digCred.Response {
		s.WriteResponse(sip.NewResponseFromRequest(req, sip.StatusUnauthorized, "Unauthorized", nil))
		return ErrDialogUnauthorized
	}
	return nil
}

// RespondSDP is just wrapper to call 200 with SDP.
// It is better to use this when answering as it provide correct headers
func (s *DialogServerSession) RespondSDP(sdp []byte) error {
	if sdp == nil {
		return fmt.Errorf("sdp not provided")
	}
	res := sip.NewSDPResponseFromRequest(s.InviteRequest, sdp)
	return s.WriteResponse(res)
}

// WriteResponse allows passing you custom response
func (s *DialogServerSession) WriteResponse(res *sip.Response) error {
	tx := s.inviteTx

	if res.Contact() == nil {
		// Add our default contact header
		contactHDR := s.contactHeader()
		res.AppendHeader(&contactHDR)
	}

	s.Dialog.InviteResponse = res

	// Do we have cancel in meantime
	if req := s.cancelReq.Load(); req != nil {
		tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
		return ErrDialogCanceled
	}
	select {
	case <-tx.Done():
		// There must be some error
		return tx.Err()
	default:
	}

	if !res.IsSuccess() {
		if res.IsProvisional() {
			// This will not create dialog so we will just respond
			return tx.Respond(res)
		}

		// For final response we want to set dialog ended state
		if err := tx.Respond(res); err != nil {
			return err
		}
		s.setState(sip.DialogStateEnded)
		return nil
	}

	id, err := sip.MakeDialogIDFromResponse(res)
	if err != nil {
		return err
	}

	if id != s.Dialog.ID {
		return fmt.Errorf("ID do not match. Invite request has changed headers?")
	}

	s.setState(sip.DialogStateEstablished)
	if err := tx.Respond(res); err != nil {
		// We could also not delete this as Close will handle cleanup
		s.deleteFromCache()
		return err
	}

	return nil
}

func (s *DialogServerSession) Bye(ctx context.Context) error {
	state := s.state.Load()
	// In case dialog terminated
	if sip.DialogState(state) == sip.DialogStateEnded {
		return nil
	}

	if sip.DialogState(state) != sip.DialogStateConfirmed {
		return nil
	}

	req := s.Dialog.InviteRequest
	res := s.Dialog.InviteResponse

	if !res.IsSuccess() {
		return fmt.Errorf("can not send bye on NON success response")
	}

	// This is tricky
	defer s.inviteTx.Terminate() // Terminates INVITE in all cases

	// https://datatracker.ietf.org/doc/html/rfc3261#section-15
	// However, the callee's UA MUST NOT send a BYE on a confirmed dialog
	// until it has received an ACK for its 2xx response or until the server
	// transaction times out.
	for {
		state = s.state.Load()
		if sip.DialogState(state) < sip.DialogStateConfirmed {
			select {
			case <-s.inviteTx.Done():
				// Wait until we timeout
			case <-time.After(sip.T1):
				// Recheck state
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		break
	}

	bye := newByeRequestUAS(req, res)

	// Check that we have still match same dialog
	callidHDR := bye.CallID()
	newFrom := bye.From()
	newTo := bye.To()
	byeID := sip.MakeDialogID(callidHDR.Value(), newFrom.Params.GetOr("tag", ""), newTo.Params.GetOr("tag", ""))
	if s.ID != byeID {
		return fmt.Errorf("non matching ID %q %q", s.ID, byeID)
	}

	tx, err := s.TransactionRequest(ctx, bye)
	if err != nil {
		return err
	}
	defer tx.Terminate() // Terminates current transaction

	// s.setState(sip.DialogStateEnded)

	// Wait 200
	select {
	case res := <-tx.Responses():
		if res.StatusCode != 200 {
			return ErrDialogResponse{res}
		}
		s.setState(sip.DialogStateEnded)
		return nil
	case <-tx.Done():
		return tx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// newByeRequestUAS generates request for UAS within dialog
// it does not add VIA header, as this must be handled by transport layer
func newByeRequestUAS(req *sip.Request, res *sip.Response) *sip.Request {
	// We must check record route header
	// https://datatracker.ietf.org/doc/html/rfc2543#section-6.13
	cont := req.Contact()
	bye := sip.NewRequest(sip.BYE, cont.Address)

	// Reverse from and to
	from := res.From()
	to := res.To()
	callid := res.CallID()

	newFrom := &sip.FromHeader{
		DisplayName: to.DisplayName,
		Address:     to.Address,
		Params:      to.Params,
	}

	newTo := &sip.ToHeader{
		DisplayName: from.DisplayName,
		Address:     from.Address,
		Params:      from.Params,
	}

	bye.AppendHeader(newFrom)
	bye.AppendHeader(newTo)
	bye.AppendHeader(callid)

	return bye
}
