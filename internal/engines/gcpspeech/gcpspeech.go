package gcpspeech

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	speechpb "cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/dalston-ai/dalston/internal/engine"
	"github.com/dalston-ai/dalston/internal/platform/logger"
	"github.com/dalston-ai/dalston/internal/utils"
)

// Processor is a transcribe-stage engine backed by Google Cloud
// Speech-to-Text. The prepared audio must already live in GCS; the recognizer
// reads it by URI.
type Processor struct {
	log        *logger.Logger
	client     *speech.Client
	maxRetries int
}

func New(log *logger.Logger) (*Processor, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	ctx := context.Background()
	var opts []option.ClientOption
	if creds := strings.TrimSpace(utils.GetEnv("GOOGLE_APPLICATION_CREDENTIALS", "", nil)); creds != "" {
		opts = append(opts, option.WithCredentialsFile(creds))
	}
	client, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("speech client: %w", err)
	}
	return &Processor{
		log:        log.With("service", "gcpspeech.Processor"),
		client:     client,
		maxRetries: 4,
	}, nil
}

func (p *Processor) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}

// transcript is the artifact written for downstream align/merge stages.
type transcript struct {
	Provider string    `json:"provider"`
	Language string    `json:"language"`
	Text     string    `json:"text"`
	Segments []segment `json:"segments,omitempty"`
	Words    []segment `json:"words,omitempty"`
}

type segment struct {
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

func (p *Processor) Process(ctx context.Context, input engine.ProcessInput) (engine.ProcessOutput, error) {
	cfg := input.Task.ConfigMap()
	language, _ := cfg["language"].(string)
	if language == "" {
		language = "en"
	}
	wordTimestamps, _ := cfg["word_timestamps"].(bool)

	audioURI := input.Task.InputURI
	if audioURI == "" {
		audioURI = input.Job.AudioURI
	}
	if !strings.HasPrefix(audioURI, "gs://") {
		return engine.ProcessOutput{}, fmt.Errorf("unsupported audio uri %q (want gs://)", audioURI)
	}

	req := &speechpb.LongRunningRecognizeRequest{
		Config: &speechpb.RecognitionConfig{
			LanguageCode:               bcp47(language),
			EnableAutomaticPunctuation: true,
			EnableWordTimeOffsets:      wordTimestamps,
		},
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Uri{Uri: audioURI},
		},
	}

	resp, err := p.recognize(ctx, req)
	if err != nil {
		return engine.ProcessOutput{}, err
	}

	out := transcript{Provider: "gcp-speech", Language: language}
	var sb strings.Builder
	for _, result := range resp.GetResults() {
		alts := result.GetAlternatives()
		if len(alts) == 0 {
			continue
		}
		best := alts[0]
		if sb.Len() > 0 {
			sb.WriteString(" ")
		}
		sb.WriteString(strings.TrimSpace(best.GetTranscript()))
		for _, w := range best.GetWords() {
			out.Words = append(out.Words, segment{
				Text:  w.GetWord(),
				Start: w.GetStartTime().AsDuration().Seconds(),
				End:   w.GetEndTime().AsDuration().Seconds(),
			})
		}
	}
	out.Text = sb.String()

	raw, err := json.Marshal(out)
	if err != nil {
		return engine.ProcessOutput{}, err
	}
	return engine.ProcessOutput{Artifact: raw, ContentType: "application/json"}, nil
}

// recognize retries transient grpc failures with a flat backoff; permanent
// errors surface immediately as task failures.
func (p *Processor) recognize(ctx context.Context, req *speechpb.LongRunningRecognizeRequest) (*speechpb.LongRunningRecognizeResponse, error) {
	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * 2 * time.Second):
			}
		}
		op, err := p.client.LongRunningRecognize(ctx, req)
		if err != nil {
			if !transientGRPC(err) {
				return nil, fmt.Errorf("recognize: %w", err)
			}
			lastErr = err
			continue
		}
		resp, err := op.Wait(ctx)
		if err != nil {
			if !transientGRPC(err) {
				return nil, fmt.Errorf("recognize wait: %w", err)
			}
			lastErr = err
			continue
		}
		return resp, nil
	}
	return nil, fmt.Errorf("recognize after %d retries: %w", p.maxRetries, lastErr)
}

func transientGRPC(err error) bool {
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return true
	default:
		return false
	}
}

// bcp47 widens bare ISO-639 codes to the region-tagged form the API expects.
func bcp47(lang string) string {
	if strings.Contains(lang, "-") {
		return lang
	}
	switch lang {
	case "en":
		return "en-US"
	case "de":
		return "de-DE"
	case "fr":
		return "fr-FR"
	case "es":
		return "es-ES"
	default:
		return lang
	}
}
