////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// package main serves the built WASM assets together with an in-memory mock
// of the messaging backend (archives and messaging profiles) for local
// testing in the browser. It is not a WASM module itself.

package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/spf13/viper"

	"gitlab.com/kinship/web3chat/backend"
	"gitlab.com/kinship/web3chat/logging"
)

// envPrefix is the prefix of environment variables overriding flags (e.g.,
// W3C_PORT).
const envPrefix = "W3C"

// apiPrefix is the path the mock backend is served under.
const apiPrefix = "/api"

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// Serves the assets directory at the root and the mock backend under /api.
// Point the backendURL of NewMessenger at http://localhost:<port>/api.
var cmd = &cobra.Command{
	Use:   "server",
	Short: "Serves the WASM test assets and a mock messaging backend.",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		threshold, err := logging.ParseThreshold(viper.GetString("logLevel"))
		if err != nil {
			jww.FATAL.Panicf("Invalid log level: %+v", err)
		}
		initLog(threshold, viper.GetString("log"))

		port := viper.GetString("port")
		assets := viper.GetString("assets")

		mux := http.NewServeMux()
		mux.Handle(apiPrefix+"/",
			http.StripPrefix(apiPrefix, backend.NewMockServer()))
		mux.Handle("/", http.FileServer(http.Dir(assets)))

		jww.INFO.Printf("Starting server on port %s from %s", port, assets)
		jww.INFO.Printf("\thttp://localhost:%s", port)
		jww.INFO.Printf("\tbackend: http://localhost:%s%s", port, apiPrefix)

		if err := http.ListenAndServe(":"+port, mux); err != nil {
			jww.FATAL.Panicf("Failed to start server: %+v", err)
		}
	},
}

// init is the initialization function for Cobra which defines flags.
func init() {
	cobra.OnInitialize(initConfig)

	cmd.Flags().String("config", "",
		"Config file path (optional). Flags and W3C_ environment variables "+
			"override it.")
	cmd.Flags().StringP("port", "p", "9090", "Port to listen on.")
	cmd.Flags().StringP("assets", "a", "../assets",
		"Directory of the WASM binary and test pages.")
	cmd.Flags().StringP("log", "l", "-",
		"Log output path. By default, logs are printed to stdout. "+
			"To disable logging, set this to empty (\"\").")
	cmd.Flags().StringP("logLevel", "v", "info",
		"Verbosity level of logging, by name or number. 0 = TRACE, "+
			"1 = DEBUG, 2 = INFO, 3 = WARN, 4 = ERROR, 5 = CRITICAL, 6 = FATAL")

	for _, name := range []string{"config", "port", "assets", "log", "logLevel"} {
		_ = viper.BindPFlag(name, cmd.Flags().Lookup(name))
	}
}

// initConfig reads the config file, if one is set, and the environment.
func initConfig() {
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	cfgFile := strings.TrimSpace(viper.GetString("config"))
	if cfgFile == "" {
		return
	}

	viper.SetConfigFile(cfgFile)
	if err := viper.ReadInConfig(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Failed to read config: %v\n", err)
	}
}

// initLog will enable JWW logging to the given log path with the given
// threshold. If log path is empty, then logging is not enabled. Panics if the
// log file cannot be opened or if the threshold is invalid.
func initLog(threshold jww.Threshold, logPath string) {
	if logPath == "" {
		jww.SetStdoutOutput(io.Discard)
		return
	} else if logPath != "-" {
		// Disable stdout output
		jww.SetStdoutOutput(io.Discard)

		logOutput, err :=
			os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			panic(err)
		}
		jww.SetLogOutput(logOutput)
	}

	if err := logging.LogLevel(threshold); err != nil {
		panic(err)
	}
}
