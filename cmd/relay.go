// Copyright 2026 The chatrelay Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/benbjohnson/clock"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/jameslbray/chatrelay/bridge"
	"github.com/jameslbray/chatrelay/common"
	"github.com/jameslbray/chatrelay/core"
	"github.com/jameslbray/chatrelay/datastore"
	"github.com/jameslbray/chatrelay/gateway"
	"github.com/jameslbray/chatrelay/identity"
	"github.com/jameslbray/chatrelay/presence"
	"github.com/jameslbray/chatrelay/registry"
	"github.com/jameslbray/chatrelay/relay"
	"github.com/jameslbray/chatrelay/resilience"
	"github.com/nats-io/nats.go"
	"github.com/urfave/cli/v2"
)

// RelayRestEndpoints end-point path configs for the relay gateway API
type RelayRestEndpoints struct {
	PathPrefix string
}

// RelayCLIArgs arguments
type RelayCLIArgs struct {
	// DevAuthTokens static "token=user" pairs replacing the bus auth service
	DevAuthTokens string
	Endpoints     RelayRestEndpoints
}

// GetRelayCLIFlags retrieve the set of CMD flags for the relay gateway server
func GetRelayCLIFlags(args *RelayCLIArgs) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "dev-auth-tokens",
			Usage:       "Comma separated 'token=user' pairs used instead of the auth service",
			Aliases:     []string{"dat"},
			EnvVars:     []string{"DEV_AUTH_TOKENS"},
			Value:       "",
			DefaultText: "",
			Destination: &args.DevAuthTokens,
			Required:    false,
		},
		// End-point related
		&cli.StringFlag{
			Name:        "relay-server-endpoint-prefix",
			Usage:       "Set the end-point path prefix for the relay gateway APIs",
			Aliases:     []string{"rsep"},
			EnvVars:     []string{"RELAY_SERVER_ENDPOINT_PREFIX"},
			Value:       "/",
			DefaultText: "/",
			Destination: &args.Endpoints.PathPrefix,
			Required:    false,
		},
	}
}

// parseDevAuthTokens split "token=user" pairs into a lookup table
func parseDevAuthTokens(raw string) (map[string]string, error) {
	result := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("malformed dev auth token pair '%s'", pair)
		}
		result[parts[0]] = parts[1]
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("no usable dev auth token pairs")
	}
	return result, nil
}

// RunRelayServer run the relay gateway server
func RunRelayServer(
	params RelayCLIArgs,
	instance string,
	config *common.SystemConfig,
	runTimeContext context.Context,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "relay",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid CMD args")
		return err
	}

	clk := clock.New()
	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	// Stream names derive from the node ID, and JetStream names can not
	// contain "."
	nodeID := strings.ReplaceAll(instance, ".", "-")

	// -------------------------------------------------------------------
	// Resilience plumbing shared by every dependency

	retryPolicy := resilience.RetryPolicy{
		MaxAttempts:      config.Retry.MaxAttempts,
		InitialDelay:     time.Millisecond * time.Duration(config.Retry.InitialDelay),
		MaxDelay:         time.Millisecond * time.Duration(config.Retry.MaxDelay),
		BackoffBase:      config.Retry.BackoffBase,
		JitterFraction:   config.Retry.JitterFraction,
		OpenPollInterval: time.Millisecond * time.Duration(config.Breaker.OpenPollInterval),
	}
	retryExec, err := resilience.GetRetryExecutor(instance, retryPolicy, clk)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define retry executor")
		return err
	}
	breakers, err := resilience.GetBreakerRegistry(
		config.Breaker.FailureThreshold,
		time.Second*time.Duration(config.Breaker.ResetTimeout),
		clk,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define breaker registry")
		return err
	}

	// -------------------------------------------------------------------
	// Message bus

	transportFactory := func(ctxt context.Context) (bridge.Transport, error) {
		client, err := core.GetNatsClient(core.NATSConnectParams{
			ServerURI:           config.NATS.ServerURI,
			ConnectTimeout:      time.Second * time.Duration(config.NATS.ConnectTimeout),
			MaxReconnectAttempt: config.NATS.Reconnect.MaxAttempts,
			ReconnectWait:       time.Second * time.Duration(config.NATS.Reconnect.WaitInterval),
			OnDisconnectCallback: func(_ *nats.Conn, e error) {
				log.WithError(e).WithFields(logTags).Errorf(
					"NATS client disconnected from server %s", config.NATS.ServerURI,
				)
			},
			OnReconnectCallback: func(_ *nats.Conn) {
				log.WithFields(logTags).Warnf(
					"NATS client reconnected with server %s", config.NATS.ServerURI,
				)
			},
			OnCloseCallback: func(_ *nats.Conn) {
				log.WithFields(logTags).Warn("NATS client closed connection")
			},
		})
		if err != nil {
			return nil, err
		}
		return bridge.GetNatsTransport(client, instance)
	}
	bus, err := bridge.GetBusBridge(bridge.BusBridgeParams{
		Instance:        instance,
		NodeID:          nodeID,
		Factory:         transportFactory,
		Retry:           retryExec,
		Breaker:         breakers.Get("nats"),
		ConsumerWorkers: config.Relay.ConsumerWorkers,
	}, clk, wg, localCtxt)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define bus bridge")
		return err
	}
	defer bus.Close(context.Background())
	// The gateway serves local clients even when the bus is down, so a failed
	// connect only degrades the node. The bridge re-attempts on use
	if err := bus.Connect(localCtxt); err != nil {
		log.WithError(err).WithFields(logTags).Warnf(
			"Starting degraded: message bus %s unreachable", config.NATS.ServerURI,
		)
	}

	// -------------------------------------------------------------------
	// Datastore

	store, err := datastore.GetMongoDatastore(localCtxt, config.Mongo, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Unable to define datastore client for %s", config.Mongo.URI,
		)
		return err
	}
	defer store.Close(context.Background())
	if err := retryExec.Run(localCtxt, func(ctxt context.Context) error {
		return store.Ready(ctxt)
	}, breakers.Get("mongo")); err != nil {
		log.WithError(err).WithFields(logTags).Warnf(
			"Starting degraded: datastore %s unreachable", config.Mongo.URI,
		)
	}

	// -------------------------------------------------------------------
	// Relay core

	var verifier identity.Verifier
	if params.DevAuthTokens != "" {
		tokens, err := parseDevAuthTokens(params.DevAuthTokens)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Invalid dev auth tokens")
			return err
		}
		log.WithFields(logTags).Warnf(
			"Using static token auth with %d entries", len(tokens),
		)
		verifier = identity.GetStaticVerifier(tokens)
	} else {
		verifier = identity.GetBusVerifier(
			bus, nodeID, time.Second*time.Duration(config.Relay.RPCTimeout), instance,
		)
	}

	tracker, err := presence.GetTracker(
		nodeID, store, bus, retryExec, breakers.Get("mongo"),
		config.Presence, clk, instance,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define presence tracker")
		return err
	}
	connections, err := registry.GetConnectionRegistry(instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define connection registry")
		return err
	}
	eventRelay, err := relay.GetEventRelay(relay.EventRelayParams{
		Instance:    instance,
		NodeID:      nodeID,
		Connections: connections,
		Bus:         bus,
		Presence:    tracker,
		Identity:    verifier,
		Retry:       retryExec,
		AuthBreaker: breakers.Get("auth"),
		DefaultRoom: config.Relay.DefaultRoom,
		RPCTimeout:  time.Second * time.Duration(config.Relay.RPCTimeout),
	}, clk, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define event relay")
		return err
	}
	if err := eventRelay.Start(localCtxt); err != nil {
		log.WithError(err).WithFields(logTags).Warn(
			"Relay started without bus consumers. Topology setup retried on reconnect",
		)
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	wsHandler, err := gateway.GetAPIRestWebsocketHandler(
		localCtxt, eventRelay, config.Gateway, wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define websocket handler")
		return err
	}
	healthHandler, err := gateway.GetAPIRestHealthHandler(
		breakers, config.Gateway.RequestIDHeader,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define health handler")
		return err
	}

	router := mux.NewRouter()
	mainRouter := gateway.RegisterPathPrefix(router, params.Endpoints.PathPrefix, nil)

	// Client sessions
	_ = gateway.RegisterPathPrefix(
		mainRouter, "/v1/connect", map[string]http.HandlerFunc{
			"get": wsHandler.ConnectHandler(),
		},
	)

	// Health check
	_ = gateway.RegisterPathPrefix(mainRouter, "/alive", map[string]http.HandlerFunc{
		"get": healthHandler.AliveHandler(),
	})
	_ = gateway.RegisterPathPrefix(mainRouter, "/ready", map[string]http.HandlerFunc{
		"get": healthHandler.ReadyHandler(),
	})

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(healthHandler, next)
	})

	serverListen := fmt.Sprintf(
		"%s:%d", config.Gateway.Server.ListenOn, config.Gateway.Server.Port,
	)
	// No write timeout here. Websocket sessions hold the connection open
	httpSrv := &http.Server{
		Addr:        serverListen,
		ReadTimeout: time.Second * time.Duration(config.Gateway.Server.ReadTimeout),
		IdleTimeout: time.Second * time.Duration(config.Gateway.Server.IdleTimeout),
		Handler:     router,
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runTimeContext.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}
