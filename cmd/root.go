package cmd

import (
	"context"
	"errors"
	"fmt"
	u "net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/parafetch/parafetch/internal/engine"
	"github.com/parafetch/parafetch/internal/output"
	"github.com/parafetch/parafetch/internal/utils"
)

var (
	outputPath    string
	workers       int
	chunkSizeStr  string
	timeout       time.Duration
	kaTimeout     time.Duration
	userAgent     string
	proxyURL      string
	proxyUsername string
	proxyPassword string
	headers       []string
	limitRateStr  string
	urlListFile   string
	parallel      int
	waitAll       bool
	cleanOutput   bool
	debug         bool
)

var ParafetchVersion = "dev"

var rootCmd = &cobra.Command{
	Use:     "parafetch [URL]",
	Short:   "Parafetch is a segmented multi-connection download tool",
	Version: ParafetchVersion,
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		utils.InitLogger(debug)
		if cleanOutput {
			if outputPath == "" {
				return errors.New("--clean requires --output")
			}
			if err := utils.Clean(outputPath); err != nil {
				return fmt.Errorf("error cleaning up temporary files: %v", err)
			}
			fmt.Println(output.PrintSuccess("Temporary files cleaned up"))
			return nil
		}
		if len(args) == 0 && urlListFile == "" {
			return errors.New("no URL or URL list provided")
		}
		if urlListFile != "" && len(args) > 0 {
			return errors.New("cannot specify url argument and --urllist together, choose one")
		}

		chunkSize, err := utils.ParseSize(chunkSizeStr)
		if err != nil {
			return fmt.Errorf("invalid chunk size: %v", err)
		}
		var limitRate int64
		if limitRateStr != "" {
			limitRate, err = utils.ParseSize(limitRateStr)
			if err != nil {
				return fmt.Errorf("invalid rate limit: %v", err)
			}
		}
		if userAgent == "randomize" {
			userAgent = utils.GetRandomUserAgent()
		}
		// Proxy URLs may carry credentials inline
		if parsedProxy, err := u.Parse(proxyURL); err == nil && parsedProxy.User != nil && proxyUsername == "" {
			proxyUsername = parsedProxy.User.Username()
			if password, set := parsedProxy.User.Password(); set {
				proxyPassword = password
			}
			parsedProxy.User = nil
			proxyURL = parsedProxy.String()
		}

		opts := engine.Options{
			RateLimit: limitRate,
			WaitAll:   waitAll,
			HTTPClientConfig: utils.HTTPClientConfig{
				Timeout:       timeout,
				KATimeout:     kaTimeout,
				ProxyURL:      proxyURL,
				ProxyUsername: proxyUsername,
				ProxyPassword: proxyPassword,
				UserAgent:     userAgent,
				Headers:       utils.ParseHeaderArgs(headers),
			},
		}

		var entries []utils.DownloadEntry
		if len(args) > 0 {
			entries = []utils.DownloadEntry{{URL: args[0], OutputPath: outputPath}}
		} else {
			entries, err = utils.ReadDownloadList(urlListFile)
			if err != nil {
				return fmt.Errorf("failed to read URL list: %v", err)
			}
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := runTransfers(ctx, entries, chunkSize, opts); err != nil {
			return err
		}
		return nil
	},
}

func runTransfers(ctx context.Context, entries []utils.DownloadEntry, chunkSize int64, opts engine.Options) error {
	log := utils.GetLogger("cli")
	renderer := output.NewRenderer()
	renderer.Start()
	defer renderer.Summary()
	defer renderer.Stop()

	entriesCh := make(chan utils.DownloadEntry, len(entries))
	for _, entry := range entries {
		entriesCh <- entry
	}
	close(entriesCh)

	transferWorkers := parallel
	if transferWorkers < 1 {
		transferWorkers = 1
	}
	if transferWorkers > len(entries) {
		transferWorkers = len(entries)
	}

	// Divide segment workers across parallel transfers so the global
	// connection count stays bounded.
	segmentWorkers := workers
	maxConnections := 64
	if transferWorkers*segmentWorkers > maxConnections {
		segmentWorkers = max(maxConnections/transferWorkers, 1)
	}

	var wg sync.WaitGroup
	errorCh := make(chan error, len(entries))
	for i := 0; i < transferWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for entry := range entriesCh {
				name := entry.OutputPath
				if name == "" {
					name = entry.URL
				}
				coord, err := engine.New(engine.TransferRequest{
					URL:        entry.URL,
					OutputPath: entry.OutputPath,
					Workers:    segmentWorkers,
					ChunkSize:  chunkSize,
				}, opts)
				if err != nil {
					errorCh <- err
					continue
				}
				renderer.Track(name, coord.Progress)
				err = coord.Run(ctx)
				switch {
				case errors.Is(err, engine.ErrAlreadyComplete):
					renderer.Skip(name, "already complete")
				case err != nil:
					renderer.Complete(name, err)
					errorCh <- fmt.Errorf("error downloading %s: %v", entry.URL, err)
				default:
					renderer.Complete(name, nil)
					log.Debug().Str("transfer", coord.ID().String()).Str("output", coord.OutputPath()).Int64("size", coord.Info().Size).Msg("Download finished")
				}
			}
		}()
	}
	wg.Wait()
	close(errorCh)

	var errs []error
	for err := range errorCh {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("completed with %d failed transfer(s): %v", len(errs), errors.Join(errs...))
	}
	return nil
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, output.PrintError(err.Error()))
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file path (inferred from the URL if not provided)")
	rootCmd.Flags().IntVarP(&workers, "workers", "n", 10, "Number of segment workers per download")
	rootCmd.Flags().StringVarP(&chunkSizeStr, "chunk-size", "c", "1MB", "Segment chunk size (eg. 512KB, 4MB)")
	rootCmd.Flags().StringVarP(&urlListFile, "urllist", "l", "", "Path to YAML file containing URLs and output paths")
	rootCmd.Flags().IntVarP(&parallel, "parallel", "w", 1, "Number of downloads to run in parallel")
	rootCmd.Flags().DurationVarP(&timeout, "timeout", "t", 3*time.Minute, "Connection timeout (eg. 5s, 10m)")
	rootCmd.Flags().DurationVarP(&kaTimeout, "keep-alive-timeout", "k", 90*time.Second, "Keep-alive timeout for client (eg. 10s, 1m)")
	rootCmd.Flags().StringVarP(&userAgent, "user-agent", "a", utils.ToolUserAgent, "User agent ('randomize' picks one)")
	rootCmd.Flags().StringVarP(&proxyURL, "proxy", "p", "", "HTTP/HTTPS proxy URL (e.g., proxy.example.com:8080)")
	rootCmd.Flags().StringVar(&proxyUsername, "proxy-username", "", "Proxy username (if not provided in proxy URL)")
	rootCmd.Flags().StringVar(&proxyPassword, "proxy-password", "", "Proxy password (if not provided in proxy URL)")
	rootCmd.Flags().StringArrayVarP(&headers, "header", "H", []string{}, "Custom headers (like 'Authorization: Basic dXNlcjpwYXNz'); repeatable")
	rootCmd.Flags().StringVar(&limitRateStr, "limit-rate", "", "Cap download rate per transfer (eg. 1MB means 1MB/s)")

	// flags without shorthand
	rootCmd.Flags().BoolVar(&waitAll, "wait-all", false, "Let remaining segments settle after a failure instead of failing fast")
	rootCmd.Flags().BoolVar(&cleanOutput, "clean", false, "Clean up temporary files for provided output path")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")
}
