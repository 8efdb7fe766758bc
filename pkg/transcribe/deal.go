package transcribe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/mbkchat/relay/pkg/bitrix"
	"github.com/mbkchat/relay/pkg/logger"
)

// TranscribeCallsForDeal pulls the deal's new calls from the CRM timeline,
// transcribes their recordings, posts a summary comment per transcribed
// call, and bumps the deal's call cursor. Per-call failures are recorded on
// the ProcessedCall row and do not fail the job.
func (w *Worker) TranscribeCallsForDeal(ctx context.Context, portal string, dealID int64) error {
	log := logger.G(ctx).WithField("deal", dealID).WithField("portal", portal)

	deal, err := w.store.GetDeal(ctx, portal, dealID)
	if err != nil {
		return err
	}
	if deal == nil {
		return errors.Errorf("deal %d@%s is not known locally", dealID, portal)
	}

	crm, err := w.crm(portal)
	if err != nil {
		return err
	}

	filter := bitrix.Params{"OWNER_TYPE_ID": 2, "OWNER_ID": dealID, "PROVIDER_TYPE_ID": "CALL"}
	if deal.LastTranscribedCall != nil {
		since := deal.LastTranscribedCall.UTC().Add(time.Second)
		filter[">START_TIME"] = since.Format("2006-01-02T15:04:05Z")
	}
	records, err := crm.CallListMethod(ctx, "crm.activity.list", bitrix.Params{
		"filter": filter,
		"select": []string{"*"},
		"order":  bitrix.Params{"START_TIME": "ASC"},
	}, 0)
	if err != nil {
		return errors.Wrapf(err, "failed to list calls of deal %d", dealID)
	}

	var latest *time.Time
	for _, raw := range records {
		info, err := parseCallInfo(raw)
		if err != nil {
			log.WithError(err).Warn("skipping unparseable call record")
			continue
		}
		if info.ID == "" {
			continue
		}

		existing, err := w.store.GetProcessedCall(ctx, portal, info.ID)
		if err != nil {
			return err
		}

		text := ""
		alreadySent := false
		if existing != nil {
			text = existing.Transcription.String
			alreadySent = existing.SentToBx
		}
		if text == "" {
			var callErr string
			text, callErr = w.transcribeCall(ctx, crm, info)
			if err := w.store.UpsertProcessedCall(ctx, portal, info.ID, dealID, text, callErr); err != nil {
				return err
			}
		}

		if text != "" && !alreadySent {
			summary := buildCallSummary(info, text)
			_, err := crm.CallAPIMethodWithRefresh(ctx, "crm.timeline.comment.add", bitrix.Params{
				"fields": bitrix.Params{
					"ENTITY_ID":   dealID,
					"ENTITY_TYPE": "deal",
					"COMMENT":     summary,
				},
			})
			if err != nil {
				// The transcription is saved; the comment goes out on
				// the next pass over this call.
				log.WithError(err).WithField("call", info.ID).Warn("failed to post call summary")
			} else if err := w.store.MarkCallSent(ctx, portal, info.ID); err != nil {
				return err
			}
		}

		callTime := info.Start
		if callTime == nil {
			callTime = info.End
		}
		if callTime != nil && (latest == nil || callTime.After(*latest)) {
			latest = callTime
		}
	}

	if latest != nil {
		return w.store.BumpLastTranscribedCall(ctx, portal, dealID, *latest)
	}
	return nil
}

// transcribeCall downloads the recording and runs speech-to-text. Failures
// come back as a message for the ProcessedCall error column; a call without
// a recording yields neither text nor error.
func (w *Worker) transcribeCall(ctx context.Context, crm CRM, info *CallInfo) (string, string) {
	log := logger.G(ctx).WithField("call", info.ID)
	if info.FileID == "" {
		log.Debug("call has no recording")
		return "", ""
	}

	resp, err := crm.CallAPIMethodWithRefresh(ctx, "disk.file.get", bitrix.Params{"id": info.FileID})
	if err != nil {
		return "", fmt.Sprintf("Ошибка скачивания/транскрибации: %v", err)
	}
	var file struct {
		DownloadURL string `json:"DOWNLOAD_URL"`
	}
	if err := json.Unmarshal(resp.Result, &file); err != nil || file.DownloadURL == "" {
		log.Warn("recording has no download url")
		return "", ""
	}

	tmpPath, size, err := w.downloadRecording(ctx, file.DownloadURL)
	if err != nil {
		return "", fmt.Sprintf("Ошибка скачивания/транскрибации: %v", err)
	}
	defer os.Remove(tmpPath)
	if size == 0 {
		return "", "Файл записи пустой (0 байт)"
	}

	text, err := w.stt.TranscribeFile(ctx, tmpPath)
	if err != nil {
		return "", fmt.Sprintf("Ошибка скачивания/транскрибации: %v", err)
	}
	return text, ""
}

func (w *Worker) downloadRecording(ctx context.Context, rawURL string) (string, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", 0, errors.Wrap(err, "failed to build recording request")
	}
	resp, err := w.httpClient.Do(req)
	if err != nil {
		return "", 0, errors.Wrap(err, "failed to download recording")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", 0, errors.Errorf("Ошибка загрузки файла: %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp("", "relay-call-*.mp3")
	if err != nil {
		return "", 0, errors.Wrap(err, "failed to create temp recording file")
	}
	defer tmp.Close()

	size, err := io.Copy(tmp, resp.Body)
	if err != nil {
		os.Remove(tmp.Name())
		return "", 0, errors.Wrap(err, "failed to write recording file")
	}
	return tmp.Name(), size, nil
}
