/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package notification

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/errandhq/errand/config"
	"github.com/errandhq/errand/internal/request"
)

// slackMessage builds a block-kit payload with a header and one field per detail.
func slackMessage(title string, fields map[string]string, at time.Time) map[string]interface{} {
	blocks := []map[string]interface{}{
		{
			"type": "header",
			"text": map[string]interface{}{
				"type":  "plain_text",
				"text":  title,
				"emoji": true,
			},
		},
	}

	for _, name := range sortedKeys(fields) {
		blocks = append(blocks, map[string]interface{}{
			"type": "section",
			"fields": []map[string]string{
				{"type": "mrkdwn", "text": fmt.Sprintf("*%s:*\n%v", name, fields[name])},
			},
		})
	}

	blocks = append(blocks, map[string]interface{}{
		"type": "section",
		"fields": []map[string]string{
			{"type": "mrkdwn", "text": fmt.Sprintf("*Time:*\n%v", at.Format(time.RFC822))},
		},
	})
	return map[string]interface{}{"blocks": blocks}
}

func sortedKeys(fields map[string]string) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func send(webhookURL string, message map[string]interface{}) error {
	payload, err := request.ToJsonReq(message)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, webhookURL, payload)
	if err != nil {
		return err
	}

	resp, err := request.Call(req, &json.RawMessage{})
	if resp != nil && resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("slack webhook returned %d", resp.StatusCode)
	}
	// slack answers plain "ok", which is not JSON
	if err != nil && resp == nil {
		return err
	}
	return nil
}

// SlackNotification posts an error report to the configured Slack webhook.
func SlackNotification(err error) {
	conf, cErr := config.Fetch()
	if cErr != nil {
		log.Println(cErr)
		return
	}

	message := slackMessage("Error From Errand 🐞", map[string]string{"Error": err.Error()}, time.Now())
	if sErr := send(conf.Notification.Slack.WebhookUrl, message); sErr != nil {
		log.Println(sErr)
	}
}

// NotifyError logs systemError and reports it to Slack in the background when a webhook is configured.
func NotifyError(systemError error) {
	go func(systemError error) {
		logrus.Error(systemError)

		conf, err := config.Fetch()
		if err != nil {
			log.Println(err)
			return
		}

		if conf.Notification.Slack.WebhookUrl != "" {
			SlackNotification(systemError)
		}
	}(systemError)
}

// NotifyOperator raises an alert that needs a human, such as a refund that
// could not be completed or a transfer that must be reconciled by hand.
// It returns once the webhook call finishes; without a webhook it only logs.
func NotifyOperator(title string, fields map[string]string) error {
	entry := logrus.WithField("alert", title)
	for k, v := range fields {
		entry = entry.WithField(strings.ToLower(strings.ReplaceAll(k, " ", "_")), v)
	}
	entry.Warn("operator alert")

	conf, err := config.Fetch()
	if err != nil {
		return err
	}
	if conf.Notification.Slack.WebhookUrl == "" {
		return nil
	}

	return send(conf.Notification.Slack.WebhookUrl, slackMessage(title, fields, time.Now()))
}
