package main

import (
	"context"
	"flag"
	"os"

	"github.com/sipcore/sipstack"
	"github.com/sipcore/sipstack/sip"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	extIP := flag.String("ip", "127.0.0.1:5060", "My exernal ip")
	dst := flag.String("dst", "127.0.0.2:5060", "Destination pbx, sip server")
	flag.Parse()

	log.Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: "2006-01-02 15:04:05.000",
	}).With().Timestamp().Logger().Level(zerolog.InfoLevel)

	ua, _ := sipstack.NewUA()

	srv, err := sipstack.NewServerDialog(ua)
	if err != nil {
		log.Fatal().Err(err).Msg("Fail to setup dialog server")
	}
	client, err := sipstack.NewClient(ua)
	if err != nil {
		log.Fatal().Err(err).Msg("Fail to setup dialog server")
	}

	h := &Handler{
		srv,
		client,
		*dst,
	}

	setupRoutes(srv, h)

	log.Info().Str("ip", *extIP).Str("dst", *dst).Msg("Starting server")
	if err := srv.ListenAndServe(context.TODO(), "udp", *extIP); err != nil {
		log.Error().Err(err).Msg("Fail to serve")
	}
}

func setupRoutes(srv *sipstack.ServerDialog, h *Handler) {
	srv.OnInvite(h.route)
	srv.OnAck(h.route)
	srv.OnCancel(h.route)
	srv.OnBye(h.route)

	srv.OnDialog(h.onDialog)
}

type Handler struct {
	s   *sipstack.ServerDialog
	c   *sipstack.Client
	dst string
}

func (s *Handler) proxyDestination() string {
	return s.dst
}

// onDialog is our main function for handling dialogs
func (h *Handler) onDialog(d sip.Dialog) {
	log.Info().Str("state", d.StateString()).Str("ID", d.ID).Msg("New dialog <--")
	switch d.State {
	case sip.DialogStateEstablished:
		// 200 response
	case sip.DialogStateConfirmed:
		// ACK send
	case sip.DialogStateEnded:
		// BYE send
	}
}

// route is our main route function to proxy to our dst
func (h *Handler) route(req *sip.Request, tx sip.ServerTransaction) {
	dst := h.proxyDestination()
	req.SetDestination(dst)
	// Handle 200 Ack
	if req.IsAck() {
		if err := h.c.WriteRequest(req); err != nil {
			log.Error().Err(err).Msg("Send failed")
			reply(tx, req, 500, "")
			return
		}
		return
	}

	// Start client transaction and relay our request
	ctx := context.TODO()
	clTx, err := h.c.TransactionRequest(ctx, req, sipstack.ClientRequestAddVia, sipstack.ClientRequestAddRecordRoute)
	if err != nil {
		log.Error().Err(err).Msg("RequestWithContext  failed")
		reply(tx, req, 500, "")
		return
	}
	defer clTx.Terminate()

	tx.OnCancel(func(m *sip.Request) {
		// Send response immediately, then terminate the client leg.
		reply(tx, m, 200, "OK")
		clTx.Terminate()
	})

	for {
		select {
		case res, more := <-clTx.Responses():
			if !more {
				return
			}
			res.SetDestination(req.Source())
			if err := tx.Respond(res); err != nil {
				log.Error().Err(err).Msg("ResponseHandler transaction respond failed")
			}

		case <-clTx.Done():
			if err := clTx.Err(); err != nil {
				log.Error().Err(err).Str("caller", req.Method.String()).Msg("Client transaction error")
			}
			return

		case <-tx.Done():
			if err := tx.Err(); err != nil {
				log.Error().Err(err).Str("caller", req.Method.String()).Msg("Server transaction error")
			}
			return
		}
	}
}

func reply(tx sip.ServerTransaction, req *sip.Request, code sip.StatusCode, reason string) {
	resp := sip.NewResponseFromRequest(req, code, reason, nil)
	resp.SetDestination(req.Source()) //This is optional, but can make sure not wrong via is read
	if err := tx.Respond(resp); err != nil {
		log.Error().Err(err).Msg("Fail to respond on transaction")
	}
}
