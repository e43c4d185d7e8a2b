package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/can-dht/canpeer/pkg/client"
	"github.com/can-dht/canpeer/pkg/gateway"
)

var (
	nodeAddress = flag.String("node", "127.0.0.1:7000", "UDP address of the CAN node to send requests to")
	grpcAddress = flag.String("grpc", "", "Use the gRPC gateway at this address instead of UDP")
	timeout     = flag.Duration("timeout", 2*time.Second, "Per-attempt timeout")
	retries     = flag.Int("retries", 2, "Resends before a request times out")
	debug       = flag.Bool("debug", false, "Enable debug logging")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] [get KEY | put KEY VALUE | state]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	if *debug {
		logger.SetLevel(logrus.DebugLevel)
	}

	backend, closer, err := connect(logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
	defer closer()

	if args := flag.Args(); len(args) > 0 {
		if err := execute(backend, args); err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			closer()
			os.Exit(1)
		}
		return
	}
	interactive(backend)
}

func connect(logger *logrus.Logger) (gateway.Backend, func(), error) {
	if *grpcAddress != "" {
		conn, err := grpc.NewClient(*grpcAddress, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to gateway at %s: %w", *grpcAddress, err)
		}
		return gateway.NewGatewayClient(conn), func() { _ = conn.Close() }, nil
	}

	c, err := client.Dial(*nodeAddress, client.Options{Timeout: *timeout, Retries: *retries, Logger: logger})
	if err != nil {
		return nil, nil, err
	}
	return c, func() { _ = c.Close() }, nil
}

func interactive(backend gateway.Backend) {
	fmt.Println("=== CAN DHT Interactive CLI ===")
	fmt.Println("Type 'help' for a list of commands.")

	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Print("> ")
		input, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		parts := strings.Fields(input)
		if len(parts) == 0 {
			continue
		}

		switch parts[0] {
		case "help":
			printHelp()
		case "exit", "quit":
			fmt.Println("Goodbye!")
			return
		default:
			if err := execute(backend, parts); err != nil {
				fmt.Println("Error:", err)
			}
		}
	}
}

func execute(backend gateway.Backend, args []string) error {
	attempts := time.Duration(*retries + 1)
	deadline := attempts*(*timeout) + time.Second
	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	switch args[0] {
	case "get":
		if len(args) != 2 {
			return errors.New("usage: get <key>")
		}
		value, err := backend.Get(ctx, args[1])
		if err != nil {
			return err
		}
		fmt.Println(value)

	case "put":
		if len(args) < 3 {
			return errors.New("usage: put <key> <value>")
		}
		// Allow spaces in value
		value := strings.Join(args[2:], " ")
		if err := backend.Put(ctx, args[1], value); err != nil {
			return err
		}
		fmt.Println("stored")

	case "state":
		report, err := backend.State(ctx)
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))

	default:
		return fmt.Errorf("unknown command %q, type 'help' for available commands", args[0])
	}
	return nil
}

func printHelp() {
	fmt.Println("Available Commands:")
	fmt.Println("  help                      - Show this help message")
	fmt.Println("  put <key> <value>         - Store a key-value pair")
	fmt.Println("  get <key>                 - Retrieve a value by key")
	fmt.Println("  state                     - Show the state of the connected node")
	fmt.Println("  exit, quit                - Exit the CLI")
}
