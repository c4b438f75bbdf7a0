// Package server は、HTTPサーバーとWebSocket通信を管理します。
//
// 責務:
//   - 設定に従った各コンポーネント（認証・検出器・監査ログ・MQTT）の組み立て
//   - WebSocket接続の受け付けと、受信メッセージのルーターへの受け渡し
//   - 管理者向けの状態確認API（/api 以下）とヘルスチェック
//   - Prometheusメトリクスの公開
//
// 仕様:
//   - HTTPルーティングはgin、WebSocketはgorilla/websocketを使用
//   - 接続ごとに送信キューを持ち、書き込みは専用のゴルーチンが行う
//   - クエリ codec=msgpack でMessagePack形式のバイナリフレームを使う
//   - グレースフルシャットダウンに対応
package server
