// Command rgbclient walks the bridge node's LED through all eight colours.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/juju/errors"
	"github.com/spf13/pflag"

	"snaprgb/models"
)

func main() {
	server := pflag.StringP("server", "s", "http://localhost:8888", "Base URL of the RGB bridge")
	target := pflag.StringP("target", "t", "bridge", "Node to drive: bridge or a 12 digit hex address")
	pause := pflag.Duration("pause", time.Second, "Pause between colours")
	pflag.Parse()

	if err := run(&http.Client{Timeout: 30 * time.Second}, fmt.Sprintf("%s/%s/rgb", *server, *target), *pause); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(client *http.Client, url string, pause time.Duration) error {
	body, err := fetch(client, http.MethodGet, url, nil)
	if err != nil {
		return errors.Trace(err)
	}
	fmt.Println(body)

	for color := int64(0); color < 8; color++ {
		state := models.DecodeRGB(color)
		fmt.Printf("%d: %d, %d, %d\n", color, (color>>2)&1, (color>>1)&1, color&1)

		data, err := json.Marshal(state)
		if err != nil {
			return errors.Trace(err)
		}
		body, err := fetch(client, http.MethodPost, url, data)
		if err != nil {
			return errors.Trace(err)
		}
		fmt.Println(body)
		time.Sleep(pause)
	}
	return nil
}

func fetch(client *http.Client, method, url string, payload []byte) (string, error) {
	req, err := http.NewRequest(method, url, bytes.NewReader(payload))
	if err != nil {
		return "", errors.Trace(err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", errors.Trace(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.Trace(err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("%s %s: %s", method, url, resp.Status)
	}
	return string(body), nil
}
