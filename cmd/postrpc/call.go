package main

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"post-rpc/client"
	"post-rpc/config"
	"post-rpc/loadbalance"
	"post-rpc/registry"
)

var (
	callURL     string
	callMethod  string
	callParams  string
	callService  string
	callBalancer string
)

var callCmd = &cobra.Command{
	Use:   "call",
	Short: "Invoke a remote method and print its JSON result",
	Example: `  postrpc call --url http://localhost:8080/rpc/test --method echo --params '[1, "two"]'
  postrpc call --service random --method createRandomString --params 16`,
	RunE: executeCallCmd,
}

var servicesCmd = &cobra.Command{
	Use:   "services",
	Short: "List the services of a server",
	RunE:  executeServicesCmd,
}

func init() {
	rootCmd.AddCommand(callCmd)
	callCmd.Flags().StringVar(&callURL, "url", "", "base URL the method is appended to")
	callCmd.Flags().StringVar(&callMethod, "method", "", "method name")
	callCmd.Flags().StringVar(&callParams, "params", "", "JSON params; an array is the argument list, anything else a single argument")
	callCmd.Flags().StringVar(&callService, "service", "", "resolve the base URL of this service through the etcd registry instead of --url")
	callCmd.Flags().StringVar(&callBalancer, "balancer", "", "RoundRobin, WeightedRandom or ConsistentHash, overrides client.balancer")

	rootCmd.AddCommand(servicesCmd)
	servicesCmd.Flags().StringVar(&callURL, "url", "", "RPC root of the server")
	_ = servicesCmd.MarkFlagRequired("url")
}

func newInvoker(cfg *config.Config, logger *zap.Logger, onError func(error)) (*client.Invoker, error) {
	return client.NewInvoker(
		client.WithConfig(client.Config{
			ArgsField:      cfg.Client.ArgsField,
			ResponseFormat: cfg.Client.ResponseFormat,
		}),
		client.WithHTTPClient(&http.Client{Timeout: cfg.Client.Timeout.Std()}),
		client.WithLogger(logger),
		client.WithErrorHandler(onError),
	)
}

// newBalancer returns the balancer named by --balancer, or by the config.
func newBalancer(cfg *config.Config) (loadbalance.Balancer, error) {
	name := cfg.Client.Balancer
	if callBalancer != "" {
		name = callBalancer
	}
	return loadbalance.New(name)
}

// parseParams turns --params into the value handed to the invoker. Empty
// means no params at all.
func parseParams(text string) (any, error) {
	if text == "" {
		return nil, nil
	}
	value := jsontext.Value(text)
	if !value.IsValid() {
		return nil, fmt.Errorf("--params is not valid JSON: %s", text)
	}
	return value, nil
}

func executeCallCmd(cmd *cobra.Command, args []string) error {
	if (callURL == "") == (callService == "") {
		return errors.New("exactly one of --url and --service is required")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := cfg.Logging.Build()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	params, err := parseParams(callParams)
	if err != nil {
		return err
	}

	results := make(chan any, 1)
	failures := make(chan error, 1)
	inv, err := newInvoker(cfg, logger, func(err error) { failures <- err })
	if err != nil {
		return err
	}
	onResult := func(v any) { results <- v }

	ctx := cmd.Context()
	if callService != "" {
		if len(cfg.Registry.EtcdEndpoints) == 0 {
			return errors.New("--service needs registry.etcdEndpoints in the config")
		}
		bal, err := newBalancer(cfg)
		if err != nil {
			return err
		}
		reg, err := registry.NewEtcdRegistry(cfg.Registry.EtcdEndpoints)
		if err != nil {
			return err
		}
		defer func() { _ = reg.Close() }()
		cli := client.NewServiceClient(reg, bal, inv)
		defer cli.Close()
		cli.Invoke(ctx, callService, callMethod, params, onResult)
	} else {
		inv.Invoke(ctx, callURL, callMethod, params, onResult)
	}

	select {
	case v := <-results:
		return printJSON(cmd, v)
	case err := <-failures:
		return err
	}
}

func executeServicesCmd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	inv, err := newInvoker(cfg, zap.NewNop(), nil)
	if err != nil {
		return err
	}
	names, err := inv.Services(cmd.Context(), callURL)
	if err != nil {
		return err
	}
	return printJSON(cmd, names)
}

func printJSON(cmd *cobra.Command, v any) error {
	out, err := json.Marshal(v, json.Deterministic(true), jsontext.WithIndent("  "))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return err
}
