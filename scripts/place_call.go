package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	baseURL := flag.String("base_url", "http://localhost:8080", "")
	number := flag.String("number", "", "destination phone number")
	name := flag.String("name", "", "")
	email := flag.String("email", "", "")
	userID := flag.String("user_id", "", "")
	date := flag.String("date", time.Now().Format("2006-01-02"), "")
	flag.Parse()
	if *number == "" {
		fmt.Println("usage: place_call -number=+456 [-base_url=...] [-name=...] [-email=...]")
		os.Exit(1)
	}
	body, err := json.Marshal(map[string]string{
		"number":       *number,
		"user_name":    *name,
		"user_email":   *email,
		"user_id":      *userID,
		"current_date": *date,
	})
	if err != nil {
		fmt.Println("encode error:", err)
		os.Exit(1)
	}
	url := strings.TrimRight(*baseURL, "/") + "/outbound-call"
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		fmt.Println("request error:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	fmt.Println(resp.Status)
	fmt.Println(string(out))
	if resp.StatusCode != http.StatusOK {
		os.Exit(1)
	}
}
