package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/fleetops/rollback/internal/artifact"
	"github.com/fleetops/rollback/internal/config"
	"github.com/fleetops/rollback/internal/fleet"
	"github.com/fleetops/rollback/internal/health"
	"github.com/fleetops/rollback/internal/logger"
	"github.com/fleetops/rollback/internal/metadata"
	"github.com/fleetops/rollback/internal/models"
	"github.com/fleetops/rollback/internal/rollback"
	"github.com/fleetops/rollback/internal/storage"
	"github.com/fleetops/rollback/internal/validation"
)

func main() {
	cfg := config.New()
	log, err := logger.New(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger setup: %v\n", err)
		os.Exit(1)
	}

	if len(os.Args) < 2 {
		printHelp()
		os.Exit(1)
	}

	ctx := context.Background()

	switch os.Args[1] {
	case "rollback":
		err = runRollback(ctx, cfg, log, os.Args[2:])
	case "metadata":
		err = runMetadata(ctx, cfg, log, os.Args[2:])
	case "validate":
		err = runValidate(ctx, cfg, log, os.Args[2:])
	case "help", "-h", "--help":
		printHelp()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printHelp()
		os.Exit(1)
	}

	if err != nil {
		log.WithError(err).Error("command failed")
		os.Exit(1)
	}
}

// clients bundles everything a subcommand may need. Constructors are cheap;
// nothing talks to the network until used.
type clients struct {
	objects  storage.ObjectStore
	store    *metadata.Store
	provider *fleet.EC2Provider
	executor *fleet.Executor
	checker  *health.Checker
	lock     *rollback.Lock
}

func newClients(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (*clients, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("DEPLOY_BUCKET is not set")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	objects := storage.NewS3ObjectStore(s3.NewFromConfig(awsCfg), cfg.Bucket)
	store := metadata.NewStore(objects, log)

	provider := fleet.NewEC2Provider(
		ec2.NewFromConfig(awsCfg),
		autoscaling.NewFromConfig(awsCfg),
		elasticloadbalancingv2.NewFromConfig(awsCfg),
		cfg.FleetTagKey, cfg.FleetTagValue, cfg.AutoScalingGroup, cfg.TargetGroupARN,
	)

	commander := fleet.NewSSMCommander(ssm.NewFromConfig(awsCfg), "rollback install")
	executor := fleet.NewExecutor(commander, provider, log)
	executor.PollInterval = cfg.CommandPollInterval
	executor.PerInstanceTimeout = cfg.CommandTimeout

	checker := health.NewChecker(log)
	checker.MaxAttempts = cfg.HealthMaxAttempts
	checker.WaitInterval = cfg.HealthWaitInterval

	var lock *rollback.Lock
	if cfg.RedisAddr != "" {
		lock = rollback.NewLock(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}), log)
	} else {
		log.Warn("REDIS_ADDR not set, concurrent rollbacks are not serialized")
	}

	return &clients{
		objects:  objects,
		store:    store,
		provider: provider,
		executor: executor,
		checker:  checker,
		lock:     lock,
	}, nil
}

func runRollback(ctx context.Context, cfg *config.Config, log logrus.FieldLogger, args []string) error {
	fs := flag.NewFlagSet("rollback", flag.ContinueOnError)
	environment := fs.String("environment", "", "target environment (staging|production)")
	version := fs.String("version", "", "explicit target version (default: previous successful)")
	list := fs.Bool("list", false, "list rollback candidates and exit")
	dryRun := fs.Bool("dry-run", false, "select and validate only, change nothing")
	yes := fs.Bool("yes", false, "skip the confirmation prompt")
	reason := fs.String("reason", "", "reason recorded on the rollback audit entry")
	if err := fs.Parse(args); err != nil {
		return err
	}

	env, err := models.ParseEnvironment(*environment)
	if err != nil {
		return err
	}

	c, err := newClients(ctx, cfg, log)
	if err != nil {
		return err
	}

	if *list {
		records, err := c.store.List(ctx, env, 10)
		if err != nil {
			return err
		}
		printRecords(records)
		return nil
	}

	runner := validation.NewRunner(c.store, c.provider, c.checker, cfg.HealthBaseURL, log)
	runner.SmokeTestCommand = cfg.SmokeTestCommand

	orch := rollback.NewOrchestrator(rollback.Params{
		Store:     c.store,
		Selector:  rollback.NewSelector(c.store, c.provider, log),
		Artifacts: artifact.NewValidator(c.objects, log),
		Executor:  c.executor,
		Provider:  c.provider,
		Validator: runner,
		Lock:      c.lock,
		Confirm:   confirmPrompt,
		Bucket:    cfg.Bucket,
		Install: fleet.InstallSpec{
			AppDir:       cfg.AppDir,
			BackupDir:    cfg.BackupDir,
			ServiceName:  cfg.ServiceName,
			ServiceOwner: cfg.ServiceOwner,
		},
		Log: log,
	})

	result, err := orch.Run(ctx, rollback.Options{
		Environment:    env,
		Version:        *version,
		DryRun:         *dryRun,
		NonInteractive: *yes,
		Reason:         *reason,
		Initiator:      currentUser(),
	})
	if err != nil {
		return err
	}

	if *dryRun {
		fmt.Printf("Dry run: would roll back %s to version %s (sha %s)\n", env, result.Target.Version, result.Target.GitSha)
		return nil
	}
	fmt.Printf("Rolled back %s to version %s (sha %s)\n", env, result.Target.Version, result.Target.GitSha)
	return nil
}

func runMetadata(ctx context.Context, cfg *config.Config, log logrus.FieldLogger, args []string) error {
	if len(args) < 1 {
		printMetadataHelp()
		return fmt.Errorf("metadata subcommand required")
	}
	sub, args := args[0], args[1:]

	fs := flag.NewFlagSet("metadata "+sub, flag.ContinueOnError)
	environment := fs.String("environment", "", "target environment (staging|production)")
	version := fs.String("version", "", "deployment version")
	sha := fs.String("sha", "", "git sha of the deployment")
	status := fs.String("status", "", "new status (pending|success|failed)")
	artifactPath := fs.String("artifact-path", "", "object store key of the artifact")
	days := fs.Int("days", 30, "retention window in days")
	limit := fs.Int("limit", 10, "maximum records to list")
	if err := fs.Parse(args); err != nil {
		return err
	}

	env, err := models.ParseEnvironment(*environment)
	if err != nil {
		return err
	}

	c, err := newClients(ctx, cfg, log)
	if err != nil {
		return err
	}

	switch sub {
	case "create":
		rec, err := c.store.Create(ctx, env, *version, *sha, *artifactPath, currentUser())
		if err != nil {
			return err
		}
		fmt.Printf("Created deployment record %s (version %s, sha %s)\n", rec.DeploymentID, rec.Version, rec.GitSha)
		return nil
	case "update":
		parsed, err := models.ParseDeploymentStatus(*status)
		if err != nil {
			return err
		}
		rec, err := c.store.UpdateStatus(ctx, env, *version, parsed, currentUser())
		if err != nil {
			return err
		}
		fmt.Printf("Updated %s to status %s\n", rec.Version, rec.Status)
		return nil
	case "list":
		records, err := c.store.List(ctx, env, *limit)
		if err != nil {
			return err
		}
		printRecords(records)
		return nil
	case "cleanup":
		deleted, err := c.store.Cleanup(ctx, env, *days)
		if err != nil {
			return err
		}
		fmt.Printf("Deleted %d record(s) older than %d days\n", deleted, *days)
		return nil
	default:
		printMetadataHelp()
		return fmt.Errorf("unknown metadata subcommand: %s", sub)
	}
}

func runValidate(ctx context.Context, cfg *config.Config, log logrus.FieldLogger, args []string) error {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	environment := fs.String("environment", "", "target environment (staging|production)")
	version := fs.String("version", "", "expected deployed version")
	timeout := fs.Duration("timeout", 15*time.Minute, "overall validation deadline")
	skipTests := fs.Bool("skip-tests", false, "record the smoke-test check as skipped")
	if err := fs.Parse(args); err != nil {
		return err
	}

	env, err := models.ParseEnvironment(*environment)
	if err != nil {
		return err
	}

	c, err := newClients(ctx, cfg, log)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	runner := validation.NewRunner(c.store, c.provider, c.checker, cfg.HealthBaseURL, log)
	runner.SmokeTestCommand = cfg.SmokeTestCommand

	report, err := runner.Run(ctx, validation.Options{
		Environment:     env,
		ExpectedVersion: *version,
		SkipTests:       *skipTests,
		ValidatedBy:     currentUser(),
	})
	if report != nil {
		for _, name := range []string{models.CheckInfrastructure, models.CheckApplication, models.CheckTests, models.CheckMetadata} {
			fmt.Printf("%-15s %s\n", name, report.Checks[name])
		}
	}
	return err
}

func confirmPrompt(target *models.DeploymentRecord) (bool, error) {
	fmt.Printf("Roll back %s to version %s (sha %s, deployed %s by %s)? [y/N]: ",
		target.Environment, target.Version, target.GitSha,
		target.Timestamp.Format(time.RFC3339), target.DeployedBy)
	return readConfirmation(os.Stdin)
}

// readConfirmation reads one answer line. A read failure is reported as an
// error so the abort log can tell an unreadable prompt apart from a decline.
func readConfirmation(in io.Reader) (bool, error) {
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && strings.TrimSpace(line) == "" {
		return false, fmt.Errorf("reading confirmation: %w", err)
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}

func printRecords(records []*models.DeploymentRecord) {
	if len(records) == 0 {
		fmt.Println("No deployment records found.")
		return
	}
	fmt.Printf("%-15s %-12s %-8s %-25s %s\n", "VERSION", "SHA", "STATUS", "DEPLOYED", "BY")
	for _, rec := range records {
		fmt.Printf("%-15s %-12s %-8s %-25s %s\n",
			rec.Version, rec.GitSha, rec.Status,
			rec.Timestamp.Format(time.RFC3339), rec.DeployedBy)
	}
}

func currentUser() string {
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return "unknown"
}

func printHelp() {
	fmt.Println("Usage: deployctl <command> [options]")
	fmt.Println("\nCommands:")
	fmt.Println("  rollback    Roll the fleet back to a previous successful deployment")
	fmt.Println("  metadata    Manage deployment records (create|update|list|cleanup)")
	fmt.Println("  validate    Validate the currently deployed version")
	fmt.Println("\nUse 'deployctl <command> --help' for more information about a command.")
}

func printMetadataHelp() {
	fmt.Println("Usage: deployctl metadata <subcommand> [options]")
	fmt.Println("\nSubcommands:")
	fmt.Println("  create    Record a new deployment (status pending)")
	fmt.Println("  update    Update a deployment's status by version")
	fmt.Println("  list      List recent deployment records")
	fmt.Println("  cleanup   Delete old records, keeping recent successful ones")
}
