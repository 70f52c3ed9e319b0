package internal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"chatline/internal/auth"
	"chatline/internal/delivery"
)

var (
	httpTimeout   = 5 * time.Second
	uploadTimeout = 60 * time.Second

	errUnauthorized = errors.New("session expired, please log in again")
)

type sessionFile struct {
	Username string `json:"username"`
	Token    string `json:"token"`
}

func apiSignup(baseURL string, req auth.SignupRequest) (auth.Session, error) {
	var session auth.Session
	err := doJSONRequest(http.MethodPost, baseURL+"/api/auth/signup", "", req, &session)
	return session, err
}

func apiLogin(baseURL string, req auth.LoginRequest) (auth.Session, error) {
	var session auth.Session
	err := doJSONRequest(http.MethodPost, baseURL+"/api/auth/login", "", req, &session)
	return session, err
}

func apiCheck(baseURL, token string) (checkResponse, error) {
	var resp checkResponse
	err := doJSONRequest(http.MethodGet, baseURL+"/api/auth/check", token, nil, &resp)
	return resp, err
}

func apiRoster(baseURL, token string) (delivery.Roster, error) {
	var roster delivery.Roster
	err := doJSONRequest(http.MethodGet, baseURL+"/api/users", token, nil, &roster)
	return roster, err
}

// apiUpload posts the file at path as multipart "file" and returns its ref.
func apiUpload(baseURL, token, path string) (UploadedImage, error) {
	var uploaded UploadedImage
	file, err := os.Open(path)
	if err != nil {
		return uploaded, err
	}
	defer file.Close()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return uploaded, err
	}
	if _, err := io.Copy(part, file); err != nil {
		return uploaded, err
	}
	if err := writer.Close(); err != nil {
		return uploaded, err
	}

	req, err := http.NewRequest(http.MethodPost, baseURL+"/api/upload", body)
	if err != nil {
		return uploaded, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	client := &http.Client{Timeout: uploadTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return uploaded, err
	}
	defer resp.Body.Close()
	if err := responseError(resp); err != nil {
		return uploaded, err
	}
	err = json.NewDecoder(resp.Body).Decode(&uploaded)
	return uploaded, err
}

func doJSONRequest(method, endpoint, token string, payload interface{}, out interface{}) error {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewBuffer(buf)
	}
	req, err := http.NewRequest(method, endpoint, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	client := &http.Client{Timeout: httpTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := responseError(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func responseError(resp *http.Response) error {
	if resp.StatusCode == http.StatusUnauthorized {
		return errUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, readResponseError(resp.Body))
	}
	return nil
}

func readResponseError(body io.Reader) string {
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return "request failed"
	}
	var parsed map[string]string
	if err := json.Unmarshal(data, &parsed); err == nil {
		if msg, ok := parsed["error"]; ok {
			return msg
		}
	}
	return strings.TrimSpace(string(data))
}

// httpBaseFromSocketURL turns ws://host:port/ws into http://host:port.
func httpBaseFromSocketURL(wsURL string) (string, error) {
	parsed, err := url.Parse(wsURL)
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "ws":
		parsed.Scheme = "http"
	case "wss":
		parsed.Scheme = "https"
	default:
		return "", fmt.Errorf("unsupported scheme %s", parsed.Scheme)
	}
	parsed.Path = ""
	parsed.RawQuery = ""
	parsed.Fragment = ""
	return strings.TrimRight(parsed.String(), "/"), nil
}

func buildSocketURL(base, token string) (string, error) {
	parsed, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return "", fmt.Errorf("invalid scheme for websocket: %s", parsed.Scheme)
	}
	query := parsed.Query()
	query.Set("token", token)
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

func loadSessionFromDisk(path string) (*sessionFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var session sessionFile
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, err
	}
	if session.Username == "" || session.Token == "" {
		return nil, errors.New("session file incomplete")
	}
	return &session, nil
}

func saveSessionToDisk(path string, session sessionFile) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func deleteSessionFile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
