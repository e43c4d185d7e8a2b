package main

import (
	"context"
	"errors"
	"flag"
	"math/rand"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/can-dht/canpeer/pkg/client"
	"github.com/can-dht/canpeer/pkg/gateway"
	"github.com/can-dht/canpeer/pkg/node"
	"github.com/can-dht/canpeer/pkg/service"
	"github.com/can-dht/canpeer/pkg/storage"
	"github.com/can-dht/canpeer/pkg/transport"
)

var (
	listenAddr  = flag.String("listen", "127.0.0.1:7000", "UDP address to listen on")
	advertise   = flag.String("advertise", "", "Address other peers reach this node at (defaults to the bound address)")
	nodeID      = flag.String("id", "", "Node ID (auto-generated if not provided)")
	joinAddress = flag.String("join", "", "Address of a node to join (leave empty to start a new network)")
	joinX       = flag.Float64("join-x", -1, "X coordinate of the point to own after joining (random if negative)")
	joinY       = flag.Float64("join-y", -1, "Y coordinate of the point to own after joining (random if negative)")
	dataDir     = flag.String("data-dir", "", "Directory for persistent storage (in-memory if empty)")
	salt        = flag.String("salt", "", "Key mapper suffix for the x axis (shared by the whole network)")
	pepper      = flag.String("pepper", "", "Key mapper suffix for the y axis (shared by the whole network)")
	minSide     = flag.Float64("min-side", node.DefaultMinSide, "Smallest zone side that may be split")
	maxHops     = flag.Int("max-hops", 64, "Maximum forwarding hops per request")
	httpAddr    = flag.String("http", "", "Address for the HTTP gateway (disabled if empty)")
	grpcAddr    = flag.String("grpc", "", "Address for the gRPC gateway (disabled if empty)")
	timeout     = flag.Duration("timeout", 2*time.Second, "Per-attempt timeout of gateway requests")
	retries     = flag.Int("retries", 2, "Resends of a gateway request before it times out")
	debug       = flag.Bool("debug", false, "Enable debug logging")
	logJSON     = flag.Bool("log-json", false, "Log in JSON format")
)

func main() {
	flag.Parse()

	logger := logrus.New()
	if *debug {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	if *logJSON {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	config := service.DefaultConfig()
	config.NodeID = *nodeID
	config.ListenAddr = *listenAddr
	config.JoinAddr = *joinAddress
	config.MinZoneSide = *minSide
	config.MaxHops = *maxHops
	config.DataDir = *dataDir
	config.HTTPAddr = *httpAddr
	config.GRPCAddr = *grpcAddr
	config.RequestTimeout = *timeout
	config.RequestRetries = *retries
	if *salt != "" {
		config.Salt = *salt
	}
	if *pepper != "" {
		config.Pepper = *pepper
	}
	if *joinX >= 0 || *joinY >= 0 {
		point := node.Point{X: *joinX, Y: *joinY}
		if point.X < 0 {
			point.X = rand.Float64()
		}
		if point.Y < 0 {
			point.Y = rand.Float64()
		}
		config.JoinPoint = &point
	}
	if err := config.Validate(); err != nil {
		logger.WithError(err).Fatal("invalid configuration")
	}

	if err := run(config, logger); err != nil {
		logger.WithError(err).Fatal("node failed")
	}
}

func run(config *service.Config, logger *logrus.Logger) error {
	store, err := openStore(config, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.WithError(err).Warn("failed to close store")
		}
	}()

	udp, err := transport.ListenUDP(config.ListenAddr, logger)
	if err != nil {
		return err
	}
	defer udp.Close()

	address := *advertise
	if address == "" {
		address = udp.Addr()
	}
	peer, err := service.NewPeer(address, config, store, udp, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loopDone := make(chan error, 1)
	go func() { loopDone <- peer.Run(ctx, udp.Inbound()) }()

	log := logger.WithFields(logrus.Fields{"node": peer.ID(), "addr": address})
	if config.JoinAddr != "" {
		target := config.JoinPoint
		if target == nil {
			target = &node.Point{X: rand.Float64(), Y: rand.Float64()}
		}
		log.WithField("target", *target).Infof("joining network via %s", config.JoinAddr)
		if err := peer.Join(config.JoinAddr, target); err != nil {
			return err
		}
	} else {
		log.Info("starting a new CAN network")
	}

	stopGateways, err := startGateways(config, address, logger)
	if err != nil {
		return err
	}
	defer stopGateways()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.WithField("signal", sig).Info("shutting down")
	case err := <-loopDone:
		return err
	}
	cancel()
	<-loopDone
	log.Info("CAN node stopped")
	return nil
}

func openStore(config *service.Config, logger *logrus.Logger) (storage.Store, error) {
	if config.DataDir == "" {
		return storage.NewMemoryStore(), nil
	}
	return storage.NewBadgerStore(storage.BadgerOptions{
		DataDir: config.DataDir,
		Logger:  logger.WithField("component", "badger"),
	})
}

// startGateways serves the enabled gateways through a client of the local
// peer and returns a function stopping them
func startGateways(config *service.Config, address string, logger *logrus.Logger) (func(), error) {
	if config.HTTPAddr == "" && config.GRPCAddr == "" {
		return func() {}, nil
	}

	backend, err := client.Dial(address, client.Options{
		Timeout: config.RequestTimeout,
		Retries: config.RequestRetries,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	stops := []func(){func() { _ = backend.Close() }}
	stop := func() {
		for i := len(stops) - 1; i >= 0; i-- {
			stops[i]()
		}
	}

	if config.GRPCAddr != "" {
		lis, err := net.Listen("tcp", config.GRPCAddr)
		if err != nil {
			stop()
			return nil, err
		}
		srv := gateway.NewGRPCServer(backend, logger)
		go func() {
			if err := srv.Serve(lis); err != nil {
				logger.WithError(err).Error("gRPC gateway stopped")
			}
		}()
		stops = append(stops, srv.GracefulStop)
		logger.WithField("addr", lis.Addr().String()).Info("gRPC gateway listening")
	}

	if config.HTTPAddr != "" {
		srv := &http.Server{Addr: config.HTTPAddr, Handler: gateway.NewHTTPHandler(backend, logger)}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithError(err).Error("HTTP gateway stopped")
			}
		}()
		stops = append(stops, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		})
		logger.WithField("addr", config.HTTPAddr).Info("HTTP gateway listening")
	}
	return stop, nil
}
