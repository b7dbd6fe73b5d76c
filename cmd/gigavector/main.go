// Command gigavector is a thin CLI over the gigavector package, grounded on
// the teacher's cmd/sqvect command structure: a cobra root command with
// persistent db/dimensions flags, and one subcommand per database
// operation.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	gigavector "github.com/jaywyawhare/gigavector"
	"github.com/jaywyawhare/gigavector/pkg/index"
)

var (
	dbPath    string
	dim       int
	indexKind string
	verbose   bool
)

var rootCmd = &cobra.Command{
	Use:   "gigavector",
	Short: "CLI tool for the gigavector embeddable vector database",
	Long:  `A command-line interface for managing a gigavector vector database snapshot.`,
}

var openCmd = &cobra.Command{
	Use:   "open",
	Short: "Create (or verify) a database snapshot at --db",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDatabase()
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.Save(dbPath); err != nil {
			return fmt.Errorf("save: %w", err)
		}
		fmt.Printf("database opened at %s (%s, dim=%d)\n", dbPath, indexKind, dim)
		return nil
	},
}

var addCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a vector",
	RunE: func(cmd *cobra.Command, args []string) error {
		vectorStr, _ := cmd.Flags().GetString("vector")
		metadataStr, _ := cmd.Flags().GetString("metadata")

		vec, err := parseVector(vectorStr)
		if err != nil {
			return err
		}
		meta, err := parseMetadata(metadataStr)
		if err != nil {
			return err
		}

		db, err := openDatabase()
		if err != nil {
			return err
		}
		defer db.Close()

		id, err := db.Add(vec, meta)
		if err != nil {
			return fmt.Errorf("add: %w", err)
		}
		if err := db.Save(dbPath); err != nil {
			return fmt.Errorf("save: %w", err)
		}
		fmt.Printf("added slot %d\n", id)
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Find the k nearest vectors to a query",
	RunE: func(cmd *cobra.Command, args []string) error {
		vectorStr, _ := cmd.Flags().GetString("vector")
		k, _ := cmd.Flags().GetInt("k")
		asJSON, _ := cmd.Flags().GetBool("json")

		query, err := parseVector(vectorStr)
		if err != nil {
			return err
		}

		db, err := openDatabase()
		if err != nil {
			return err
		}
		defer db.Close()

		results, err := db.KNN(query, k, nil)
		if err != nil {
			return fmt.Errorf("search: %w", err)
		}
		return printResults(results, asJSON)
	},
}

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train an ivfpq-backed database on a training set",
	Long: "Trains an ivfpq-backed database's coarse centroids and PQ codebooks.\n" +
		"Without --vectors, trains on every vector already stored (useful after\n" +
		"a compact rebuild); with --vectors, trains on a JSON array of rows\n" +
		"first, so IVF-PQ's add can be used immediately afterward.",
	RunE: func(cmd *cobra.Command, args []string) error {
		vectorsJSON, _ := cmd.Flags().GetString("vectors")

		db, err := openDatabase()
		if err != nil {
			return err
		}
		defer db.Close()

		var vectors [][]float32
		if vectorsJSON != "" {
			if err := json.Unmarshal([]byte(vectorsJSON), &vectors); err != nil {
				return fmt.Errorf("invalid vectors JSON: %w", err)
			}
		} else {
			vectors = db.Vectors()
		}

		if err := db.Train(vectors); err != nil {
			return fmt.Errorf("train: %w", err)
		}
		if err := db.Save(dbPath); err != nil {
			return fmt.Errorf("save: %w", err)
		}
		fmt.Printf("trained on %d vectors\n", len(vectors))
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print database statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		db, err := openDatabase()
		if err != nil {
			return err
		}
		defer db.Close()

		stats := db.Stats()
		if asJSON {
			out, err := json.MarshalIndent(stats, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		}
		fmt.Printf("dim=%d live=%s high_water=%s index=%s distance=%s inserts=%s queries=%s range_queries=%s wal_records=%s generation=%d memory=%s\n",
			stats.Dim, humanize.Comma(int64(stats.LiveCount)), humanize.Comma(int64(stats.HighWater)),
			stats.IndexKind, stats.DistanceKind,
			humanize.Comma(stats.Inserts), humanize.Comma(stats.Queries), humanize.Comma(stats.RangeQueries),
			humanize.Comma(stats.WALRecords), stats.Generation, humanize.Bytes(uint64(db.MemoryUsage())))
		return nil
	},
}

func openDatabase() (*gigavector.Database, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("database path not specified")
	}
	if dim <= 0 {
		return nil, fmt.Errorf("--dimensions must be positive")
	}

	kind, err := parseIndexKind(indexKind)
	if err != nil {
		return nil, err
	}

	cfg := gigavector.DefaultConfig(dbPath, dim, kind)
	if verbose {
		cfg.Logger = gigavector.NewStdLogger(gigavector.LevelDebug)
	}
	return gigavector.Open(cfg)
}

func parseIndexKind(s string) (index.Kind, error) {
	switch strings.ToLower(s) {
	case "flat":
		return index.Flat, nil
	case "kdtree":
		return index.KDTreeKind, nil
	case "hnsw":
		return index.HNSWKind, nil
	case "hnsw_inline", "hnsw-inline":
		return index.HNSWInlineKind, nil
	case "ivfpq":
		return index.IVFPQKind, nil
	default:
		return 0, fmt.Errorf("unknown index kind %q", s)
	}
}

func parseVector(s string) ([]float32, error) {
	if s == "" {
		return nil, fmt.Errorf("vector is required")
	}
	parts := strings.Split(s, ",")
	vec := make([]float32, 0, len(parts))
	for _, part := range parts {
		val, err := strconv.ParseFloat(strings.TrimSpace(part), 32)
		if err != nil {
			return nil, fmt.Errorf("invalid vector format: %w", err)
		}
		vec = append(vec, float32(val))
	}
	return vec, nil
}

func parseMetadata(s string) (map[string]string, error) {
	meta := make(map[string]string)
	if s == "" {
		return meta, nil
	}
	if err := json.Unmarshal([]byte(s), &meta); err != nil {
		return nil, fmt.Errorf("invalid metadata JSON: %w", err)
	}
	return meta, nil
}

func printResults(results []gigavector.SearchResult, asJSON bool) error {
	if asJSON {
		out, err := json.MarshalIndent(results, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}
	for _, r := range results {
		fmt.Printf("slot=%d distance=%f metadata=%v\n", r.SlotID, r.Distance, r.Metadata)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "vectors.gvdb", "Snapshot file path")
	rootCmd.PersistentFlags().IntVarP(&dim, "dimensions", "n", 0, "Vector dimension")
	rootCmd.PersistentFlags().StringVarP(&indexKind, "index", "i", "flat", "Index backend: flat|kdtree|hnsw|hnsw_inline|ivfpq")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")

	addCmd.Flags().String("vector", "", "Vector values (comma-separated)")
	addCmd.Flags().String("metadata", "", "Metadata as JSON")
	addCmd.MarkFlagRequired("vector")

	searchCmd.Flags().String("vector", "", "Query vector (comma-separated)")
	searchCmd.Flags().Int("k", 10, "Number of results")
	searchCmd.Flags().Bool("json", false, "Output as JSON")
	searchCmd.MarkFlagRequired("vector")

	statsCmd.Flags().Bool("json", false, "Output as JSON")

	trainCmd.Flags().String("vectors", "", "Training set as a JSON array of vectors")

	rootCmd.AddCommand(openCmd, addCmd, searchCmd, trainCmd, statsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
